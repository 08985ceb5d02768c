package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/internal/collab"
	"tradeloop/internal/notify"
)

type delivery struct {
	n   notify.Notification
	sig string
	raw []byte
}

func TestWebhookSignsAndFilters(t *testing.T) {
	got := make(chan delivery, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var n notify.Notification
		_ = json.Unmarshal(raw, &n)
		got <- delivery{n: n, sig: r.Header.Get(notify.SignatureHeader), raw: raw}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	log, _ := test.NewNullLogger()
	disabled := false
	wh := notify.NewWebhook("tradeloop-test", []notify.WebhookConfig{
		{URL: srv.URL, Secret: "s3cret", Severities: []string{"critical", "error"}},
		{URL: srv.URL, Enabled: &disabled},
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		wh.Run(ctx)
		close(done)
	}()

	wh.Notify(ctx, "just fyi", collab.SeverityInfo)
	wh.Notify(ctx, "broker down", collab.SeverityCritical)

	select {
	case d := <-got:
		assert.Equal(t, "broker down", d.n.Message)
		assert.Equal(t, collab.SeverityCritical, d.n.Severity)
		assert.Equal(t, "tradeloop-test", d.n.Source)
		assert.Equal(t, notify.Sign(d.raw, "s3cret"), d.sig)
	case <-time.After(5 * time.Second):
		t.Fatalf("webhook not delivered")
	}
	cancel()
	<-done
	assert.Empty(t, got)
}

func TestDeliverReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	log, _ := test.NewNullLogger()
	wh := notify.NewWebhook("x", nil, log)
	err := wh.Deliver(context.Background(), notify.WebhookConfig{URL: srv.URL}, notify.Notification{Message: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestMultiThreshold(t *testing.T) {
	log, hook := test.NewNullLogger()
	m := notify.Multi{Min: collab.SeverityWarning, Notifiers: []collab.Notifier{notify.Log{Logger: log}}}
	m.Notify(context.Background(), "quiet", collab.SeverityInfo)
	m.Notify(context.Background(), "loud", collab.SeverityCritical)
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, "loud", hook.LastEntry().Message)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}
