// Package memdir stores entries as one JSON file each in staging, inbox and
// archive directories. A store assumes a single writing process; it takes no
// cross-process lock.
package memdir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tradeloop/internal/domain"
)

// Location is one of the three store directories.
type Location string

const (
	Staging Location = "staging"
	Inbox   Location = "inbox"
	Archive Location = "archive"
)

func (l Location) Valid() bool {
	return l == Staging || l == Inbox || l == Archive
}

func ParseLocation(s string) (Location, error) {
	l := Location(strings.ToLower(s))
	if !l.Valid() {
		return "", fmt.Errorf("unknown location %q (staging, inbox, archive)", s)
	}
	return l, nil
}

var (
	ErrIOFailure    = errors.New("memdir: io failure")
	ErrNotFound     = errors.New("memdir: entry not found")
	ErrCorruptEntry = errors.New("memdir: corrupt entry")
)

// Store is a Maildir-style entry store. Every state change is a single rename
// between or within its directories.
type Store struct {
	root  string
	host  string
	log   logrus.FieldLogger
	now   func() time.Time
	index Index
}

type Option func(*Store)

func WithHost(host string) Option {
	return func(s *Store) { s.host = host }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) { s.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIndex attaches a secondary archive index. The store keeps it current on
// every archive mutation; index failures are logged and never fail the operation.
func WithIndex(idx Index) Option {
	return func(s *Store) { s.index = idx }
}

// Open prepares the directory layout under root.
func Open(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("memdir root is required")
	}
	s := &Store{root: root, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	s.log = s.log.WithField("component", "memdir")
	if s.host == "" {
		h, err := os.Hostname()
		if err != nil || h == "" {
			h = "localhost"
		}
		s.host = h
	}
	for _, loc := range []Location{Staging, Inbox, Archive} {
		if err := os.MkdirAll(s.dir(loc), 0o755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", ErrIOFailure, loc, err)
		}
	}
	if err := s.clearStaging(); err != nil {
		return nil, err
	}
	return s, nil
}

// clearStaging removes files left behind by an interrupted write. Staged
// files are never visible entries, so none of them is worth keeping.
func (s *Store) clearStaging() error {
	dirents, err := os.ReadDir(s.dir(Staging))
	if err != nil {
		return fmt.Errorf("%w: list staging: %v", ErrIOFailure, err)
	}
	removed := 0
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir(Staging), d.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: clear staging %s: %v", ErrIOFailure, d.Name(), err)
		}
		removed++
	}
	if removed > 0 {
		s.log.WithField("files", removed).Warn("removed stale staging files")
	}
	return nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) Host() string { return s.host }

func (s *Store) dir(loc Location) string {
	return filepath.Join(s.root, string(loc))
}

func (s *Store) path(loc Location, filename string) (string, error) {
	if !loc.Valid() {
		return "", fmt.Errorf("%w: unknown location %q", ErrNotFound, loc)
	}
	if filename == "" || strings.ContainsRune(filename, '/') || filename == "." || filename == ".." {
		return "", fmt.Errorf("%w: %q", ErrNotFound, filename)
	}
	return filepath.Join(s.dir(loc), filename), nil
}

// Save writes e to staging and renames it into the inbox.
func (s *Store) Save(ctx context.Context, e domain.Entry) (string, error) {
	if err := e.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	data, err := e.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	name := FormatFilename(e.CreatedAt, e.ID, s.host, "")
	if err := s.deliver(data, name, Inbox); err != nil {
		return "", err
	}
	s.log.WithFields(logrus.Fields{"filename": name, "kind": e.Kind}).Debug("entry saved")
	return name, nil
}

// deliver writes data to a unique staging file, fsyncs it and renames it to
// name in dst.
func (s *Store) deliver(data []byte, name string, dst Location) error {
	f, err := os.CreateTemp(s.dir(Staging), name+".*")
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrIOFailure, name, err)
	}
	tmp := f.Name()
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		s.removeQuiet(tmp)
		return fmt.Errorf("%w: chmod %s: %v", ErrIOFailure, name, err)
	}
	if err := writeAndSync(f, data); err != nil {
		s.removeQuiet(tmp)
		return fmt.Errorf("%w: write %s: %v", ErrIOFailure, name, err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir(dst), name)); err != nil {
		s.removeQuiet(tmp)
		return fmt.Errorf("%w: deliver %s: %v", ErrIOFailure, name, err)
	}
	return nil
}

func writeAndSync(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *Store) removeQuiet(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.WithError(err).WithField("path", path).Warn("remove temp file failed")
	}
}

// ReadRaw returns the stored bytes of an entry without decoding them.
func (s *Store) ReadRaw(ctx context.Context, loc Location, filename string) ([]byte, error) {
	p, err := s.path(loc, filename)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, loc, filename)
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrIOFailure, filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrIOFailure, filename, err)
	}
	return data, nil
}

// Read loads and validates an entry.
func (s *Store) Read(ctx context.Context, loc Location, filename string) (domain.Entry, error) {
	data, err := s.ReadRaw(ctx, loc, filename)
	if err != nil {
		return domain.Entry{}, err
	}
	e, err := domain.Unmarshal(data)
	if err != nil {
		return domain.Entry{}, fmt.Errorf("%w: %s: %v", ErrCorruptEntry, filename, err)
	}
	return e, nil
}

// Promote moves an inbox entry into the archive, adding flags, in one rename.
func (s *Store) Promote(ctx context.Context, filename string, add domain.Flags) (string, error) {
	info, err := ParseFilename(filename)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	src, err := s.path(Inbox, filename)
	if err != nil {
		return "", err
	}
	newName := info.WithFlags(info.Flags.Add(add))
	if err := os.Rename(src, filepath.Join(s.dir(Archive), newName)); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: inbox/%s", ErrNotFound, filename)
		}
		return "", fmt.Errorf("%w: promote %s: %v", ErrIOFailure, filename, err)
	}
	s.indexPut(ctx, newName)
	return newName, nil
}

// UpdateFlags renames an archived entry to carry (flags ∪ add) \ remove.
func (s *Store) UpdateFlags(ctx context.Context, filename string, add, remove domain.Flags) (string, error) {
	info, err := ParseFilename(filename)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	src, err := s.path(Archive, filename)
	if err != nil {
		return "", err
	}
	next := info.Flags.Add(add).Remove(remove)
	newName := info.WithFlags(next)
	if newName == filename {
		if _, err := os.Stat(src); err != nil {
			if os.IsNotExist(err) {
				return "", fmt.Errorf("%w: archive/%s", ErrNotFound, filename)
			}
			return "", fmt.Errorf("%w: stat %s: %v", ErrIOFailure, filename, err)
		}
		return filename, nil
	}
	if err := os.Rename(src, filepath.Join(s.dir(Archive), newName)); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: archive/%s", ErrNotFound, filename)
		}
		return "", fmt.Errorf("%w: rename %s: %v", ErrIOFailure, filename, err)
	}
	s.indexDelete(ctx, filename)
	s.indexPut(ctx, newName)
	return newName, nil
}

// List returns the filenames in loc, oldest first.
func (s *Store) List(ctx context.Context, loc Location) ([]string, error) {
	infos, others, err := s.scan(loc)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(infos)+len(others))
	for _, i := range infos {
		out = append(out, i.Filename)
	}
	return append(out, others...), nil
}

// scan lists loc, splitting parseable entry names (sorted oldest first) from the rest.
func (s *Store) scan(loc Location) ([]Info, []string, error) {
	if !loc.Valid() {
		return nil, nil, fmt.Errorf("unknown location %q", loc)
	}
	dirents, err := os.ReadDir(s.dir(loc))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: list %s: %v", ErrIOFailure, loc, err)
	}
	var infos []Info
	var others []string
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		info, err := ParseFilename(d.Name())
		if err != nil {
			others = append(others, d.Name())
			continue
		}
		infos = append(infos, info)
	}
	sortOldestFirst(infos)
	sort.Strings(others)
	return infos, others, nil
}

func sortOldestFirst(infos []Info) {
	sort.SliceStable(infos, func(i, j int) bool {
		if !infos[i].Timestamp.Equal(infos[j].Timestamp) {
			return infos[i].Timestamp.Before(infos[j].Timestamp)
		}
		return infos[i].Filename < infos[j].Filename
	})
}

// Commit replaces an inbox entry with an enriched copy in the archive: the new
// content is staged, renamed into the archive and only then is the inbox file
// removed. A failure to remove the inbox file is logged and not returned; the
// entry is already archived.
func (s *Store) Commit(ctx context.Context, inboxFilename string, e domain.Entry, flags domain.Flags) (string, error) {
	info, err := ParseFilename(inboxFilename)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if info.ID != e.ID {
		return "", fmt.Errorf("%w: filename id %s does not match entry id %s", ErrCorruptEntry, info.ID, e.ID)
	}
	if err := e.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	src, err := s.path(Inbox, inboxFilename)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: inbox/%s", ErrNotFound, inboxFilename)
		}
		return "", fmt.Errorf("%w: stat %s: %v", ErrIOFailure, inboxFilename, err)
	}
	data, err := e.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	newName := info.WithFlags(info.Flags.Add(flags))
	if err := s.deliver(data, newName, Archive); err != nil {
		return "", err
	}
	s.indexPut(ctx, newName)
	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		s.log.WithError(err).WithFields(logrus.Fields{"filename": inboxFilename, "archived": newName}).
			Error("entry archived but inbox copy could not be removed; manual cleanup required")
	}
	return newName, nil
}

// ArchivedIDs maps entry id to archive filename.
func (s *Store) ArchivedIDs(ctx context.Context) (map[string]string, error) {
	infos, _, err := s.scan(Archive)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(infos))
	for _, i := range infos {
		out[i.ID] = i.Filename
	}
	return out, nil
}

// DropArchived removes an inbox file whose entry id is already archived.
func (s *Store) DropArchived(ctx context.Context, inboxFilename string) error {
	info, err := ParseFilename(inboxFilename)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	ids, err := s.ArchivedIDs(ctx)
	if err != nil {
		return err
	}
	if _, ok := ids[info.ID]; !ok {
		return fmt.Errorf("entry %s is not archived; refusing to drop inbox copy", info.ID)
	}
	p, err := s.path(Inbox, inboxFilename)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: inbox/%s", ErrNotFound, inboxFilename)
		}
		return fmt.Errorf("%w: remove %s: %v", ErrIOFailure, inboxFilename, err)
	}
	return nil
}

// Counts returns the number of files per location.
func (s *Store) Counts(ctx context.Context) (map[Location]int, error) {
	out := make(map[Location]int, 3)
	for _, loc := range []Location{Staging, Inbox, Archive} {
		dirents, err := os.ReadDir(s.dir(loc))
		if err != nil {
			return nil, fmt.Errorf("%w: list %s: %v", ErrIOFailure, loc, err)
		}
		n := 0
		for _, d := range dirents {
			if !d.IsDir() {
				n++
			}
		}
		out[loc] = n
	}
	return out, nil
}
