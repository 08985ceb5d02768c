package tradeloopsdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/internal/domain"
	"tradeloop/internal/memdir"
	"tradeloop/internal/server"
	tradeloopsdk "tradeloop/sdk/go"
)

const secret = "sdk-secret"

func setup(t *testing.T) (*memdir.Store, string) {
	t.Helper()
	log, _ := test.NewNullLogger()
	store, err := memdir.Open(t.TempDir(), memdir.WithHost("sdk"), memdir.WithLogger(log))
	require.NoError(t, err)
	handler, err := server.New(server.Config{
		Store: store,
		Auth:  server.AuthConfig{JWTSecret: secret},
		Prune: memdir.PruneLimits{MaxAgeDays: memdir.NoLimit, MaxCount: memdir.NoLimit},
		Log:   log,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return store, ts.URL
}

func archive(t *testing.T, store *memdir.Store, at time.Time, event string) string {
	t.Helper()
	ctx := context.Background()
	e, err := domain.NewEntry(domain.KindSystemEvent, "sdk", domain.SystemEventPayload{Event: event}, at)
	require.NoError(t, err)
	name, err := store.Save(ctx, e)
	require.NoError(t, err)
	name, err = store.Promote(ctx, name, "SV")
	require.NoError(t, err)
	return name
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, url := setup(t)
	tok, err := server.SignToken(secret, "sdk", []string{server.RoleAdmin}, time.Hour, time.Now())
	require.NoError(t, err)
	c := tradeloopsdk.New(url, tok)

	require.NoError(t, c.Health(ctx))
	base := time.Now().Add(-time.Hour)
	first := archive(t, store, base, "startup")
	archive(t, store, base.Add(time.Minute), "health_check")

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Counts["archive"])
	assert.Nil(t, st.Daemon)

	all, err := c.Entries(ctx, "archive")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first, all[0].Filename)

	e, err := c.GetEntry(ctx, "archive", first)
	require.NoError(t, err)
	assert.Equal(t, "startup", e.Payload["event"])

	renamed, err := c.UpdateFlags(ctx, first, "I", "")
	require.NoError(t, err)
	hits, err := c.Query(ctx, tradeloopsdk.QueryParams{Include: "I", Keywords: []string{"STARTUP"}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, renamed, hits[0].Filename)

	one := 1
	res, err := c.Prune(ctx, nil, &one)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ByCount)
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	_, url := setup(t)
	c := tradeloopsdk.New(url, "")
	_, err := c.Status(context.Background())
	var apiErr *tradeloopsdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}
