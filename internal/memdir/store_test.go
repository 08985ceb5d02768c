package memdir_test

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/internal/domain"
	"tradeloop/internal/memdir"
)

var baseTime = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newStore(t *testing.T, opts ...memdir.Option) *memdir.Store {
	t.Helper()
	opts = append([]memdir.Option{
		memdir.WithHost("testhost"),
		memdir.WithLogger(quietLogger()),
		memdir.WithClock(func() time.Time { return baseTime }),
	}, opts...)
	s, err := memdir.Open(t.TempDir(), opts...)
	require.NoError(t, err)
	return s
}

func metricEntry(t *testing.T, name string, value float64, at time.Time) domain.Entry {
	t.Helper()
	e, err := domain.NewEntry(domain.KindMetric, "test", domain.MetricPayload{Name: name, Value: value, Unit: "ms"}, at)
	require.NoError(t, err)
	return e
}

func TestFilenameRoundTrip(t *testing.T) {
	ts := time.Unix(0, 1714000000123456789)
	name := memdir.FormatFilename(ts, "abc-123", "box:1/a.b", "SIS")
	assert.Equal(t, `1714000000123456789.abc-123.box\0721\057a.b:2,IS`, name)

	info, err := memdir.ParseFilename(name)
	require.NoError(t, err)
	assert.Equal(t, int64(1714000000123456789), info.Timestamp.UnixNano())
	assert.Equal(t, "abc-123", info.ID)
	assert.Equal(t, `box\0721\057a.b`, info.Host)
	assert.Equal(t, domain.Flags("IS"), info.Flags)

	bare := memdir.FormatFilename(ts, "abc-123", "h", "")
	assert.Equal(t, "1714000000123456789.abc-123.h", bare)

	for _, bad := range []string{"", "notanentry", "x.y.z", "12.id.host:1,S", "../etc", "12..host"} {
		_, err := memdir.ParseFilename(bad)
		assert.Error(t, err, bad)
	}
}

func TestSaveReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	e, err := domain.NewEntry(domain.KindOrderStatus, "execution", domain.Payload{
		"symbol": "AAPL", "side": "buy", "quantity": 10, "status": "filled", "price": 187.25,
	}, baseTime)
	require.NoError(t, err)

	name, err := s.Save(ctx, e)
	require.NoError(t, err)
	info, err := memdir.ParseFilename(name)
	require.NoError(t, err)
	assert.Equal(t, e.ID, info.ID)
	assert.Equal(t, domain.Flags(""), info.Flags)

	inbox, err := s.List(ctx, memdir.Inbox)
	require.NoError(t, err)
	assert.Equal(t, []string{name}, inbox)
	staging, err := s.List(ctx, memdir.Staging)
	require.NoError(t, err)
	assert.Empty(t, staging)

	got, err := s.Read(ctx, memdir.Inbox, name)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.Kind, got.Kind)
	want, _ := json.Marshal(e.Payload)
	have, _ := json.Marshal(got.Payload)
	assert.JSONEq(t, string(want), string(have))
	assert.Equal(t, string(want), string(have))
}

func TestReadErrors(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Read(ctx, memdir.Inbox, "1.nope.testhost")
	assert.ErrorIs(t, err, memdir.ErrNotFound)

	_, err = s.Read(ctx, memdir.Inbox, "../../etc/passwd")
	assert.ErrorIs(t, err, memdir.ErrNotFound)

	bad := filepath.Join(s.Root(), "inbox", "1.bad.testhost")
	require.NoError(t, os.WriteFile(bad, []byte("{broken"), 0o644))
	_, err = s.Read(ctx, memdir.Inbox, "1.bad.testhost")
	assert.ErrorIs(t, err, memdir.ErrCorruptEntry)

	wrongSchema := `{"id":"w","kind":"SystemEvent","source":"s","created_at":"2026-05-04T12:00:00Z","payload":{"details":{}}}`
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "inbox", "2.w.testhost"), []byte(wrongSchema), 0o644))
	_, err = s.Read(ctx, memdir.Inbox, "2.w.testhost")
	assert.ErrorIs(t, err, memdir.ErrCorruptEntry)
}

func TestSaveFailureLeavesNoTempFile(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, os.RemoveAll(filepath.Join(s.Root(), "inbox")))

	_, err := s.Save(ctx, metricEntry(t, "pipeline_latency", 100, baseTime))
	require.ErrorIs(t, err, memdir.ErrIOFailure)

	staging, err := s.List(ctx, memdir.Staging)
	require.NoError(t, err)
	assert.Empty(t, staging)
}

func TestPromoteAndUpdateFlags(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	name, err := s.Save(ctx, metricEntry(t, "pipeline_latency", 100, baseTime))
	require.NoError(t, err)

	archived, err := s.Promote(ctx, name, "S")
	require.NoError(t, err)
	assert.Equal(t, name+":2,S", archived)

	_, err = s.Promote(ctx, name, "S")
	assert.ErrorIs(t, err, memdir.ErrNotFound)

	inbox, _ := s.List(ctx, memdir.Inbox)
	assert.Empty(t, inbox)
	archive, _ := s.List(ctx, memdir.Archive)
	assert.Equal(t, []string{archived}, archive)

	flagged, err := s.UpdateFlags(ctx, archived, "IP", "")
	require.NoError(t, err)
	assert.Equal(t, name+":2,IPS", flagged)

	same, err := s.UpdateFlags(ctx, flagged, "S", "X")
	require.NoError(t, err)
	assert.Equal(t, flagged, same)

	cleared, err := s.UpdateFlags(ctx, flagged, "", "IPS")
	require.NoError(t, err)
	assert.Equal(t, name, cleared)

	_, err = s.UpdateFlags(ctx, flagged, "I", "")
	assert.ErrorIs(t, err, memdir.ErrNotFound)

	e, err := s.Read(ctx, memdir.Archive, cleared)
	require.NoError(t, err)
	assert.Equal(t, domain.KindMetric, e.Kind)
}

func TestCommitReplacesInboxCopy(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	e := metricEntry(t, "execution_latency", 42, baseTime)
	name, err := s.Save(ctx, e)
	require.NoError(t, err)

	e.Metadata = &domain.Metadata{Keywords: []string{"latency"}, Summary: "fast fill"}
	archived, err := s.Commit(ctx, name, e, "MS")
	require.NoError(t, err)
	assert.Equal(t, name+":2,MS", archived)

	inbox, _ := s.List(ctx, memdir.Inbox)
	assert.Empty(t, inbox)
	got, err := s.Read(ctx, memdir.Archive, archived)
	require.NoError(t, err)
	require.NotNil(t, got.Metadata)
	assert.Equal(t, "fast fill", got.Metadata.Summary)

	ids, err := s.ArchivedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, archived, ids[e.ID])
}

func TestCommitIgnoresLeftoverStagingFile(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	e := metricEntry(t, "execution_latency", 42, baseTime)
	name, err := s.Save(ctx, e)
	require.NoError(t, err)
	for _, leftover := range []string{name + ":2,MS", name + ":2,SV"} {
		require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "staging", leftover), []byte("{"), 0o644))
	}

	archived, err := s.Commit(ctx, name, e, "MS")
	require.NoError(t, err)
	assert.Equal(t, name+":2,MS", archived)
	got, err := s.Read(ctx, memdir.Archive, archived)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
}

func TestOpenClearsStaging(t *testing.T) {
	s := newStore(t)
	leftover := filepath.Join(s.Root(), "staging", "1714000000000000000.x.testhost:2,SV")
	require.NoError(t, os.WriteFile(leftover, []byte("{"), 0o644))

	_, err := memdir.Open(s.Root(), memdir.WithHost("testhost"), memdir.WithLogger(quietLogger()))
	require.NoError(t, err)
	entries, err := os.ReadDir(filepath.Join(s.Root(), "staging"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDropArchived(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	e := metricEntry(t, "pipeline_latency", 120, baseTime)
	name, err := s.Save(ctx, e)
	require.NoError(t, err)

	require.Error(t, s.DropArchived(ctx, name))

	data, err := s.ReadRaw(ctx, memdir.Inbox, name)
	require.NoError(t, err)
	_, err = s.Promote(ctx, name, "S")
	require.NoError(t, err)
	// simulate a leftover inbox copy after an interrupted commit
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "inbox", name), data, 0o644))

	require.NoError(t, s.DropArchived(ctx, name))
	inbox, _ := s.List(ctx, memdir.Inbox)
	assert.Empty(t, inbox)
}

func seedArchive(t *testing.T, s *memdir.Store, n int, flags domain.Flags) []string {
	t.Helper()
	ctx := context.Background()
	var names []string
	for i := 0; i < n; i++ {
		at := baseTime.Add(-time.Duration(n-i) * 24 * time.Hour)
		name, err := s.Save(ctx, metricEntry(t, "pipeline_latency", float64(100+i), at))
		require.NoError(t, err)
		archived, err := s.Promote(ctx, name, flags)
		require.NoError(t, err)
		names = append(names, archived)
	}
	return names
}

func TestQueryFilters(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	names := seedArchive(t, s, 5, "MS")

	got, err := s.Query(ctx, memdir.Query{})
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, names[4], got[0].Filename)
	assert.Equal(t, names[0], got[4].Filename)

	_, err = s.UpdateFlags(ctx, names[2], "I", "")
	require.NoError(t, err)
	got, err = s.Query(ctx, memdir.Query{Include: "IS"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Flags.Has('I'))

	got, err = s.Query(ctx, memdir.Query{Exclude: "I"})
	require.NoError(t, err)
	assert.Len(t, got, 4)

	got, err = s.Query(ctx, memdir.Query{Since: baseTime.Add(-3 * 24 * time.Hour), Until: baseTime.Add(-24 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.Query(ctx, memdir.Query{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.Query(ctx, memdir.Query{Keywords: []string{"PIPELINE_latency", "\"value\": 103"}})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.Query(ctx, memdir.Query{Keywords: []string{"nothing-like-this"}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPruneUnionOfCriteria(t *testing.T) {
	ctx := context.Background()

	t.Run("count only", func(t *testing.T) {
		s := newStore(t)
		seedArchive(t, s, 10, "S")
		res, err := s.Prune(ctx, memdir.PruneLimits{MaxAgeDays: memdir.NoLimit, MaxCount: 3})
		require.NoError(t, err)
		assert.Equal(t, memdir.PruneResult{ByAge: 0, ByCount: 7}, res)
		left, _ := s.List(ctx, memdir.Archive)
		assert.Len(t, left, 3)
	})

	t.Run("age covers count", func(t *testing.T) {
		s := newStore(t)
		seedArchive(t, s, 10, "S")
		// entries are 10..1 days old; 8 of them are older than two days
		res, err := s.Prune(ctx, memdir.PruneLimits{MaxAgeDays: 2, MaxCount: 5})
		require.NoError(t, err)
		assert.Equal(t, 8, res.ByAge)
		assert.Equal(t, 0, res.ByCount)
		left, _ := s.List(ctx, memdir.Archive)
		assert.Len(t, left, 2)
	})

	t.Run("count exceeds age", func(t *testing.T) {
		s := newStore(t)
		names := seedArchive(t, s, 10, "S")
		res, err := s.Prune(ctx, memdir.PruneLimits{MaxAgeDays: 8, MaxCount: 4})
		require.NoError(t, err)
		assert.Equal(t, memdir.PruneResult{ByAge: 2, ByCount: 4}, res)
		left, _ := s.List(ctx, memdir.Archive)
		assert.Equal(t, names[6:], left)
	})

	t.Run("disabled", func(t *testing.T) {
		s := newStore(t)
		seedArchive(t, s, 3, "S")
		res, err := s.Prune(ctx, memdir.PruneLimits{MaxAgeDays: memdir.NoLimit, MaxCount: memdir.NoLimit})
		require.NoError(t, err)
		assert.Equal(t, memdir.PruneResult{}, res)
	})
}

func TestEndToEndLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	e, err := domain.NewEntry(domain.KindAnalysis, "decision", domain.AnalysisPayload{Symbol: "MSFT", Action: "hold", Rationale: "flat"}, baseTime)
	require.NoError(t, err)

	name, err := s.Save(ctx, e)
	require.NoError(t, err)
	archived, err := s.Promote(ctx, name, "S")
	require.NoError(t, err)

	got, err := s.Query(ctx, memdir.Query{Include: "S"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, archived, got[0].Filename)

	inbox, _ := s.List(ctx, memdir.Inbox)
	assert.Empty(t, inbox)
	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[memdir.Archive])
}
