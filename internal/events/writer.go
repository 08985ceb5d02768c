package events

import (
	"context"
	"fmt"
	"time"

	"tradeloop/internal/domain"
)

// Saver persists entries; *memdir.Store satisfies it.
type Saver interface {
	Save(ctx context.Context, e domain.Entry) (string, error)
}

// Writer records system lifecycle events as SystemEvent entries.
type Writer struct {
	Store  Saver
	Source string
	Now    func() time.Time
}

type EventPayload map[string]any

const (
	EventStartup      = "startup"
	EventShutdown     = "shutdown"
	EventHealthCheck  = "health_check"
	EventIntervalSet  = "interval_updated"
	EventOptimization = "optimization"
	EventPrune        = "prune"
)

func (w Writer) Append(ctx context.Context, evtType string, details EventPayload) (string, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	source := w.Source
	if source == "" {
		source = "daemon"
	}
	payload := domain.SystemEventPayload{Event: evtType}
	if len(details) > 0 {
		payload.Details = details
	}
	e, err := domain.NewEntry(domain.KindSystemEvent, source, payload, w.Now())
	if err != nil {
		return "", fmt.Errorf("build event %s: %w", evtType, err)
	}
	name, err := w.Store.Save(ctx, e)
	if err != nil {
		return "", fmt.Errorf("append event %s: %w", evtType, err)
	}
	return name, nil
}
