package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/internal/daemon"
	"tradeloop/internal/domain"
	"tradeloop/internal/memdir"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	store  *memdir.Store
	client *http.Client
	close  func()
}

type fixedStatus struct{ st daemon.Status }

func (f fixedStatus) Status() daemon.Status { return f.st }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log, _ := test.NewNullLogger()
	store, err := memdir.Open(t.TempDir(), memdir.WithHost("test"), memdir.WithLogger(log))
	require.NoError(t, err)
	handler, err := New(Config{
		Store:    store,
		Daemon:   fixedStatus{daemon.Status{State: "running", IntervalSeconds: 90, Cycles: 4}},
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret},
		Prune:    memdir.PruneLimits{MaxAgeDays: memdir.NoLimit, MaxCount: memdir.NoLimit},
		Log:      log,
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		store:  store,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func token(t *testing.T, roles ...string) string {
	t.Helper()
	tok, err := SignToken(testSecret, "operator", roles, time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, tok string) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

// archive saves an entry and promotes it, returning the archive filename.
func (s *testServer) archive(t *testing.T, at time.Time, flags domain.Flags, payload domain.SystemEventPayload) string {
	t.Helper()
	ctx := context.Background()
	e, err := domain.NewEntry(domain.KindSystemEvent, "test", payload, at)
	require.NoError(t, err)
	name, err := s.store.Save(ctx, e)
	require.NoError(t, err)
	archived, err := s.store.Promote(ctx, name, flags)
	require.NoError(t, err)
	return archived
}

func TestHealthIsPublicEverythingElseNeedsToken(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, "")
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/status", nil, "")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Contains(t, string(body), `"unauthorized"`)

	bad, err := SignToken("other-secret", "operator", nil, time.Hour, time.Now())
	require.NoError(t, err)
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/status", nil, bad)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	expired, err := SignToken(testSecret, "operator", nil, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/status", nil, expired)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestStatusReportsCountsAndLoop(t *testing.T) {
	srv := newTestServer(t)
	srv.archive(t, time.Now(), "SV", domain.SystemEventPayload{Event: "startup"})

	res, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/status", nil, token(t))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var st StatusResponse
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, 1, st.Counts["archive"])
	assert.Equal(t, 0, st.Counts["inbox"])
	require.NotNil(t, st.Daemon)
	assert.Equal(t, 90, st.Daemon.IntervalSeconds)
}

func TestListAndReadEntries(t *testing.T) {
	srv := newTestServer(t)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	var names []string
	for i := 0; i < 3; i++ {
		names = append(names, srv.archive(t, base.Add(time.Duration(i)*time.Minute), "SV", domain.SystemEventPayload{Event: "tick"}))
	}

	res, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/entries/archive?limit=2", nil, token(t))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var page paginatedEntries
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Items, 2)
	assert.Equal(t, names[0], page.Items[0].Filename)
	assert.Equal(t, "SV", page.Items[0].Flags)
	assert.Equal(t, "2", page.NextCursor)

	res, body = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/entries/archive?limit=2&cursor=2", nil, token(t))
	require.Equal(t, http.StatusOK, res.StatusCode)
	var last paginatedEntries
	require.NoError(t, json.Unmarshal(body, &last))
	require.Len(t, last.Items, 1)
	assert.Equal(t, names[2], last.Items[0].Filename)
	assert.Empty(t, last.NextCursor)

	res, body = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/entries/archive/"+url.PathEscape(names[1]), nil, token(t))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var entry EntryResponse
	require.NoError(t, json.Unmarshal(body, &entry))
	assert.Equal(t, "SystemEvent", entry.Kind)
	assert.Equal(t, "tick", entry.Payload["event"])

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/entries/inbox/"+url.PathEscape(names[1]), nil, token(t))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/entries/attic", nil, token(t))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestQueryFilters(t *testing.T) {
	srv := newTestServer(t)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	srv.archive(t, base, "SV", domain.SystemEventPayload{Event: "startup"})
	important := srv.archive(t, base.Add(time.Minute), "ISV", domain.SystemEventPayload{Event: "Shutdown"})
	srv.archive(t, base.Add(2*time.Minute), "ISV", domain.SystemEventPayload{Event: "prune"})

	q := url.Values{}
	q.Set("include", "I")
	q.Set("keywords", "shutdown")
	q.Set("since", base.Format(time.RFC3339))
	res, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/query?"+q.Encode(), nil, token(t))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var list entryList
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, important, list.Items[0].Filename)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/query?since=yesterday", nil, token(t))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/query?include=%3A", nil, token(t))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestFlagsAndPruneRequireAdmin(t *testing.T) {
	srv := newTestServer(t)
	base := time.Now().Add(-time.Hour)
	first := srv.archive(t, base, "SV", domain.SystemEventPayload{Event: "a"})
	srv.archive(t, base.Add(time.Minute), "SV", domain.SystemEventPayload{Event: "b"})

	req := UpdateFlagsRequest{Filename: first, Add: "I", Remove: "V"}
	res, _ := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/flags", req, token(t))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/flags", req, token(t, RoleAdmin))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var updated UpdateFlagsResponse
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, "IS", updated.Flags)

	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/flags", req, token(t, RoleAdmin))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	one := 1
	res, body = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/prune", PruneRequest{MaxCount: &one}, token(t, RoleAdmin))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var pruned PruneResponse
	require.NoError(t, json.Unmarshal(body, &pruned))
	assert.Equal(t, PruneResponse{ByAge: 0, ByCount: 1}, pruned)

	names, err := srv.store.List(context.Background(), memdir.Archive)
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

func TestNewRequiresSecretAndStore(t *testing.T) {
	_, err := New(Config{Auth: AuthConfig{JWTSecret: testSecret}})
	assert.Error(t, err)
	log, _ := test.NewNullLogger()
	store, err := memdir.Open(t.TempDir(), memdir.WithLogger(log))
	require.NoError(t, err)
	_, err = New(Config{Store: store})
	assert.Error(t, err)
}
