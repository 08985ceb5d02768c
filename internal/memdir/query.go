package memdir

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"time"

	"tradeloop/internal/domain"
)

// Query filters archived entries. Zero values disable a filter; Since is
// inclusive and Until exclusive.
type Query struct {
	Since    time.Time
	Until    time.Time
	Include  domain.Flags
	Exclude  domain.Flags
	Keywords []string
	Limit    int
}

// Matches applies the filename-level filters of q to info.
func (q Query) Matches(info Info) bool {
	if !q.Since.IsZero() && info.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !info.Timestamp.Before(q.Until) {
		return false
	}
	if q.Include != "" && !info.Flags.HasAll(q.Include) {
		return false
	}
	if q.Exclude != "" && info.Flags.HasAny(q.Exclude) {
		return false
	}
	return true
}

// Query returns matching archive entries, newest first. Keyword filtering
// reads file content and is the slow path.
func (s *Store) Query(ctx context.Context, q Query) ([]Info, error) {
	candidates, err := s.candidates(ctx, q)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].Timestamp.Equal(candidates[j].Timestamp) {
			return candidates[i].Timestamp.After(candidates[j].Timestamp)
		}
		return candidates[i].Filename > candidates[j].Filename
	})
	keywords := normalizeKeywords(q.Keywords)
	var out []Info
	for _, info := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !q.Matches(info) {
			continue
		}
		if len(keywords) > 0 {
			data, err := s.ReadRaw(ctx, Archive, info.Filename)
			if err != nil {
				s.log.WithError(err).WithField("filename", info.Filename).Debug("skip unreadable entry")
				continue
			}
			if !containsAll(bytes.ToLower(data), keywords) {
				continue
			}
		}
		out = append(out, info)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) candidates(ctx context.Context, q Query) ([]Info, error) {
	if s.index != nil {
		infos, err := s.index.Search(ctx, q)
		if err == nil {
			return infos, nil
		}
		s.log.WithError(err).Warn("index search failed; scanning archive")
	}
	infos, _, err := s.scan(Archive)
	return infos, err
}

func normalizeKeywords(in []string) [][]byte {
	var out [][]byte
	for _, k := range in {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out = append(out, []byte(strings.ToLower(k)))
	}
	return out
}

func containsAll(haystack []byte, needles [][]byte) bool {
	for _, n := range needles {
		if !bytes.Contains(haystack, n) {
			return false
		}
	}
	return true
}
