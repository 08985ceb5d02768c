package memdir

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Index is a secondary lookup structure over archive filenames. It never holds
// entry content, so it can always be rebuilt from a directory scan.
type Index interface {
	Put(ctx context.Context, info Info) error
	Delete(ctx context.Context, filename string) error
	// Search returns candidates matching the time range and flag filters of q.
	// Keywords and Limit are applied by the store.
	Search(ctx context.Context, q Query) ([]Info, error)
	Reset(ctx context.Context, infos []Info) error
}

func (s *Store) indexPut(ctx context.Context, filename string) {
	if s.index == nil {
		return
	}
	info, err := ParseFilename(filename)
	if err == nil {
		err = s.index.Put(ctx, info)
	}
	if err != nil {
		s.log.WithError(err).WithField("filename", filename).Warn("index put failed")
	}
}

func (s *Store) indexDelete(ctx context.Context, filename string) {
	if s.index == nil {
		return
	}
	if err := s.index.Delete(ctx, filename); err != nil {
		s.log.WithError(err).WithField("filename", filename).Warn("index delete failed")
	}
}

// RebuildIndex repopulates the attached index from the archive directory.
func (s *Store) RebuildIndex(ctx context.Context) (int, error) {
	if s.index == nil {
		return 0, nil
	}
	infos, others, err := s.scan(Archive)
	if err != nil {
		return 0, err
	}
	if len(others) > 0 {
		s.log.WithFields(logrus.Fields{"count": len(others)}).Warn("archive holds files with unparseable names")
	}
	if err := s.index.Reset(ctx, infos); err != nil {
		return 0, err
	}
	return len(infos), nil
}
