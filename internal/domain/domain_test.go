package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/internal/domain"
)

var fixedNow = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

func TestFlagsNormalize(t *testing.T) {
	f, err := domain.ParseFlags("SIS")
	require.NoError(t, err)
	assert.Equal(t, domain.Flags("IS"), f)

	assert.Equal(t, domain.Flags("IPS"), f.Add("P"))
	assert.Equal(t, domain.Flags("S"), f.Remove("I"))
	assert.True(t, f.HasAll("SI"))
	assert.False(t, f.HasAll("SP"))
	assert.True(t, f.HasAny("XI"))
	assert.False(t, domain.Flags("").HasAny("S"))

	_, err = domain.ParseFlags("S,")
	require.Error(t, err)
}

func TestTagFlagMapping(t *testing.T) {
	r, ok := domain.TagFlag("Important")
	require.True(t, ok)
	assert.Equal(t, rune(domain.FlagImportant), r)
	_, ok = domain.TagFlag("Sentiment_Positive")
	assert.False(t, ok)
	assert.Equal(t, rune('M'), domain.KindFlag(domain.KindMetric))
	assert.Equal(t, "Symbol_AAPL", domain.SymbolTag("aapl"))
}

func TestNewEntryValidatesPayload(t *testing.T) {
	_, err := domain.NewEntry(domain.KindMetric, "test", domain.Payload{"value": 12}, fixedNow)
	require.Error(t, err)

	e, err := domain.NewEntry(domain.KindMetric, "test", domain.MetricPayload{Name: "pipeline_latency", Value: 150, Unit: "ms"}, fixedNow)
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)

	_, err = domain.NewEntry(domain.KindAnalysis, "test", domain.Payload{"action": "panic"}, fixedNow)
	require.Error(t, err)

	_, err = domain.NewEntry(domain.Kind("Gossip"), "test", domain.Payload{}, fixedNow)
	require.Error(t, err)
}

func TestUnmarshalRoundTripKeepsPayloadBytes(t *testing.T) {
	payload := domain.Payload{
		"symbol":   "AAPL",
		"side":     "buy",
		"quantity": 3,
		"status":   "filled",
		"price":    187.12345678901234,
		"extra":    map[string]any{"nested": []any{1, "two", true}},
	}
	e, err := domain.NewEntry(domain.KindOrderStatus, "execution", payload, fixedNow)
	require.NoError(t, err)

	data, err := e.Marshal()
	require.NoError(t, err)
	got, err := domain.Unmarshal(data)
	require.NoError(t, err)

	want, _ := json.Marshal(e.Payload)
	have, _ := json.Marshal(got.Payload)
	assert.Equal(t, string(want), string(have))
	assert.Equal(t, e.ID, got.ID)
	assert.True(t, e.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, "AAPL", got.Symbol())
}

func TestUnmarshalRejectsBadSchema(t *testing.T) {
	raw := `{"id":"x1","kind":"Metric","source":"s","created_at":"2026-03-02T14:30:00Z","payload":{"name":"m","value":"fast"}}`
	_, err := domain.Unmarshal([]byte(raw))
	require.Error(t, err)

	_, err = domain.Unmarshal([]byte(`{not json`))
	require.Error(t, err)
}
