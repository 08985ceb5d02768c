package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/internal/domain"
	"tradeloop/internal/events"
	"tradeloop/internal/memdir"
)

func TestAppendSavesSystemEvent(t *testing.T) {
	ctx := context.Background()
	log, _ := test.NewNullLogger()
	s, err := memdir.Open(t.TempDir(), memdir.WithLogger(log), memdir.WithHost("h"))
	require.NoError(t, err)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	w := events.Writer{Store: s, Now: func() time.Time { return at }}

	name, err := w.Append(ctx, events.EventStartup, events.EventPayload{"symbols": []string{"AAPL"}})
	require.NoError(t, err)

	e, err := s.Read(ctx, memdir.Inbox, name)
	require.NoError(t, err)
	assert.Equal(t, domain.KindSystemEvent, e.Kind)
	assert.Equal(t, "daemon", e.Source)
	assert.True(t, e.CreatedAt.Equal(at))
	var p domain.SystemEventPayload
	require.NoError(t, e.Payload.Decode(&p))
	assert.Equal(t, events.EventStartup, p.Event)
	assert.Equal(t, []any{"AAPL"}, p.Details["symbols"])
}
