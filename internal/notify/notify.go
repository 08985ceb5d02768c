package notify

import (
	"context"

	"github.com/sirupsen/logrus"

	"tradeloop/internal/collab"
)

// Log writes notifications to the logger.
type Log struct {
	Logger logrus.FieldLogger
}

var _ collab.Notifier = Log{}

func (l Log) Notify(ctx context.Context, message string, severity collab.Severity) {
	entry := l.Logger.WithFields(logrus.Fields{"component": "notify", "severity": severity})
	switch severity {
	case collab.SeverityCritical, collab.SeverityError:
		entry.Error(message)
	case collab.SeverityWarning:
		entry.Warn(message)
	default:
		entry.Info(message)
	}
}

// Multi fans out to every notifier whose threshold the severity meets.
type Multi struct {
	Min       collab.Severity
	Notifiers []collab.Notifier
}

func (m Multi) Notify(ctx context.Context, message string, severity collab.Severity) {
	if severity.Rank() < m.Min.Rank() {
		return
	}
	for _, n := range m.Notifiers {
		n.Notify(ctx, message, severity)
	}
}
