package memdir

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// NoLimit disables a prune criterion.
const NoLimit = -1

// PruneLimits bounds the archive. Negative values disable a criterion.
type PruneLimits struct {
	MaxAgeDays int `json:"max_age_days" yaml:"max_age_days"`
	MaxCount   int `json:"max_count" yaml:"max_count"`
}

type PruneResult struct {
	ByAge   int `json:"by_age"`
	ByCount int `json:"by_count"`
}

// Prune deletes archived entries older than MaxAgeDays and, when more than
// MaxCount remain, the oldest ones beyond that count. A file is counted once,
// under age if it qualifies for both. Deletion is best-effort per file.
func (s *Store) Prune(ctx context.Context, limits PruneLimits) (PruneResult, error) {
	var res PruneResult
	if limits.MaxAgeDays < 0 && limits.MaxCount < 0 {
		return res, nil
	}
	infos, _, err := s.scan(Archive)
	if err != nil {
		return res, err
	}
	ageCut := 0
	if limits.MaxAgeDays >= 0 {
		cutoff := s.now().Add(-time.Duration(limits.MaxAgeDays) * 24 * time.Hour)
		for ageCut < len(infos) && infos[ageCut].Timestamp.Before(cutoff) {
			ageCut++
		}
	}
	total := ageCut
	if limits.MaxCount >= 0 && len(infos)-limits.MaxCount > total {
		total = len(infos) - limits.MaxCount
	}
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		name := infos[i].Filename
		if err := os.Remove(filepath.Join(s.dir(Archive), name)); err != nil && !os.IsNotExist(err) {
			s.log.WithError(err).WithField("filename", name).Warn("prune: delete failed")
			continue
		}
		s.indexDelete(ctx, name)
		if i < ageCut {
			res.ByAge++
		} else {
			res.ByCount++
		}
	}
	s.log.WithFields(logrus.Fields{"by_age": res.ByAge, "by_count": res.ByCount, "remaining": len(infos) - res.ByAge - res.ByCount}).Info("archive pruned")
	return res, nil
}
