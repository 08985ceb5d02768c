// Package organizer enriches inbox entries with metadata and files them into
// the archive.
package organizer

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"tradeloop/internal/collab"
	"tradeloop/internal/domain"
	"tradeloop/internal/memdir"
)

const (
	DefaultBatchSize = 100
	DefaultDelay     = 100 * time.Millisecond
)

// Store is the part of the entry store the worker needs.
type Store interface {
	List(ctx context.Context, loc memdir.Location) ([]string, error)
	Read(ctx context.Context, loc memdir.Location, filename string) (domain.Entry, error)
	Commit(ctx context.Context, inboxFilename string, e domain.Entry, flags domain.Flags) (string, error)
	ArchivedIDs(ctx context.Context) (map[string]string, error)
	DropArchived(ctx context.Context, inboxFilename string) error
}

type Options struct {
	BatchSize int
	// Delay is the minimum spacing between tagger calls.
	Delay time.Duration
	Cache Cache
	Log   logrus.FieldLogger
}

type Worker struct {
	store     Store
	tagger    collab.Tagger
	cache     Cache
	limiter   *rate.Limiter
	batchSize int
	log       logrus.FieldLogger
}

type Result struct {
	Processed  int `json:"processed"`
	Failed     int `json:"failed"`
	Duplicates int `json:"duplicates"`
	CacheHits  int `json:"cache_hits"`
}

func New(store Store, tagger collab.Tagger, opts Options) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache(0)
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	limit := rate.Inf
	if opts.Delay > 0 {
		limit = rate.Every(opts.Delay)
	}
	return &Worker{
		store:     store,
		tagger:    tagger,
		cache:     opts.Cache,
		limiter:   rate.NewLimiter(limit, 1),
		batchSize: opts.BatchSize,
		log:       opts.Log.WithField("component", "organizer"),
	}
}

// ProcessBatch enriches at most BatchSize of the oldest inbox entries. Entries
// that cannot be read or tagged stay in the inbox for the next batch.
func (w *Worker) ProcessBatch(ctx context.Context) (Result, error) {
	var res Result
	names, err := w.store.List(ctx, memdir.Inbox)
	if err != nil {
		return res, err
	}
	if len(names) == 0 {
		return res, nil
	}
	if len(names) > w.batchSize {
		names = names[:w.batchSize]
	}
	archived, err := w.store.ArchivedIDs(ctx)
	if err != nil {
		return res, err
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		w.processOne(ctx, name, archived, &res)
	}
	w.log.WithFields(logrus.Fields{
		"processed":  res.Processed,
		"failed":     res.Failed,
		"duplicates": res.Duplicates,
		"cache_hits": res.CacheHits,
	}).Info("organizer batch finished")
	return res, nil
}

func (w *Worker) processOne(ctx context.Context, name string, archived map[string]string, res *Result) {
	log := w.log.WithField("filename", name)
	info, err := memdir.ParseFilename(name)
	if err != nil {
		log.WithError(err).Warn("skipping inbox file with unparseable name")
		res.Failed++
		return
	}
	if existing, ok := archived[info.ID]; ok {
		if err := w.store.DropArchived(ctx, name); err != nil {
			log.WithError(err).WithField("archived", existing).Error("stale inbox copy of archived entry could not be removed")
		} else {
			log.WithField("archived", existing).Warn("dropped inbox copy of already archived entry")
		}
		res.Duplicates++
		return
	}
	e, err := w.store.Read(ctx, memdir.Inbox, name)
	if err != nil {
		log.WithError(err).Error("cannot read inbox entry")
		res.Failed++
		return
	}
	md, hit, err := w.metadata(ctx, e)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		log.WithError(err).Warn("tagging failed; entry stays in inbox")
		res.Failed++
		return
	}
	if hit {
		res.CacheHits++
	}
	md, flags := Enrich(e, md)
	e.Metadata = &md
	newName, err := w.store.Commit(ctx, name, e, flags)
	if err != nil {
		log.WithError(err).Error("archiving enriched entry failed")
		res.Failed++
		return
	}
	archived[e.ID] = newName
	res.Processed++
	log.WithFields(logrus.Fields{"archived": newName, "kind": e.Kind}).Debug("entry organized")
}

func (w *Worker) metadata(ctx context.Context, e domain.Entry) (domain.Metadata, bool, error) {
	key := CacheKey(e)
	md, ok, err := w.cache.Get(ctx, key)
	if err != nil {
		w.log.WithError(err).Warn("metadata cache lookup failed")
	} else if ok {
		return md, true, nil
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return domain.Metadata{}, false, err
	}
	md, err = w.tagger.Tag(ctx, e)
	if err != nil {
		return domain.Metadata{}, false, err
	}
	if err := w.cache.Set(ctx, key, md); err != nil {
		w.log.WithError(err).Warn("metadata cache store failed")
	}
	return md, false, nil
}

// Enrich computes the final metadata and archive flags for e: Seen, the kind
// flag, flags for recognized tags, and the symbol flag and tag.
func Enrich(e domain.Entry, md domain.Metadata) (domain.Metadata, domain.Flags) {
	flags := []rune{domain.FlagSeen, domain.KindFlag(e.Kind)}
	for _, tag := range md.Tags {
		if r, ok := domain.TagFlag(tag); ok {
			flags = append(flags, r)
		}
	}
	if sym := e.Symbol(); sym != "" {
		flags = append(flags, domain.FlagSymbol)
		tag := domain.SymbolTag(sym)
		found := false
		for _, t := range md.Tags {
			if t == tag {
				found = true
				break
			}
		}
		if !found {
			md.Tags = append(append([]string(nil), md.Tags...), tag)
		}
	}
	return md, domain.NewFlags(flags...)
}

// Run processes batches every interval until ctx is done.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := w.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
			w.log.WithError(err).Error("organizer batch failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
