package repo_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/internal/db"
	"tradeloop/internal/domain"
	"tradeloop/internal/memdir"
	"tradeloop/internal/migrate"
	"tradeloop/internal/repo"
)

var now = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	root  string
	repo  repo.Repo
	store *memdir.Store
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	conn, err := db.Open(db.Config{Root: root})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))

	r := repo.Repo{DB: conn, Now: func() time.Time { return now }}
	log := logrus.New()
	log.SetOutput(io.Discard)
	s, err := memdir.Open(root, memdir.WithHost("h1"), memdir.WithLogger(log), memdir.WithIndex(r))
	require.NoError(t, err)
	return testEnv{root: root, repo: r, store: s}
}

func archive(t *testing.T, s *memdir.Store, at time.Time, flags domain.Flags) string {
	t.Helper()
	ctx := context.Background()
	e, err := domain.NewEntry(domain.KindSystemEvent, "test", domain.SystemEventPayload{Event: "tick"}, at)
	require.NoError(t, err)
	name, err := s.Save(ctx, e)
	require.NoError(t, err)
	archived, err := s.Promote(ctx, name, flags)
	require.NoError(t, err)
	return archived
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, migrate.Migrate(ctx, env.repo.DB))
	cur, err := migrate.Current(ctx, env.repo.DB)
	require.NoError(t, err)
	latest, err := migrate.Latest()
	require.NoError(t, err)
	assert.Equal(t, latest, cur)
}

func TestManifestTracksStoreMutations(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	a := archive(t, env.store, now.Add(-3*time.Hour), "SV")
	b := archive(t, env.store, now.Add(-2*time.Hour), "SV")
	archive(t, env.store, now.Add(-time.Hour), "V")

	n, err := env.repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	flagged, err := env.store.UpdateFlags(ctx, b, "I", "")
	require.NoError(t, err)
	info, err := memdir.ParseFilename(flagged)
	require.NoError(t, err)
	got, err := env.repo.GetByID(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, flagged, got.Filename)

	hits, err := env.store.Query(ctx, memdir.Query{Include: "S", Exclude: "I"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, a, hits[0].Filename)

	res, err := env.store.Prune(ctx, memdir.PruneLimits{MaxAgeDays: memdir.NoLimit, MaxCount: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ByCount)
	n, err = env.repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = env.repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRebuildMatchesDirectoryScan(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	for i := 0; i < 4; i++ {
		archive(t, env.store, now.Add(-time.Duration(i)*time.Minute), "S")
	}
	// drift the manifest away from disk
	_, err := env.repo.DB.ExecContext(ctx, `DELETE FROM manifest`)
	require.NoError(t, err)

	count, err := env.store.RebuildIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	indexed, err := env.repo.Search(ctx, memdir.Query{Include: "S"})
	require.NoError(t, err)
	scanned, err := env.store.List(ctx, memdir.Archive)
	require.NoError(t, err)
	require.Len(t, indexed, len(scanned))
	assert.Equal(t, scanned[len(scanned)-1], indexed[0].Filename)

	at, entries, err := env.repo.LastRebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, entries)
	assert.True(t, at.Equal(now))
}
