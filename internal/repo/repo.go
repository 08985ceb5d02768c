package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradeloop/internal/domain"
	"tradeloop/internal/memdir"
)

// Repo is the sqlite manifest of archived entry filenames. It satisfies
// memdir.Index.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

var _ memdir.Index = Repo{}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func put(ctx context.Context, db execer, info memdir.Info) error {
	_, err := db.ExecContext(ctx, `INSERT INTO manifest(id,filename,ts_ns,host,flags) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET filename=excluded.filename, ts_ns=excluded.ts_ns, host=excluded.host, flags=excluded.flags`,
		info.ID, info.Filename, info.Timestamp.UnixNano(), info.Host, string(info.Flags))
	return err
}

func (r Repo) Put(ctx context.Context, info memdir.Info) error {
	if err := put(ctx, r.DB, info); err != nil {
		return fmt.Errorf("manifest put %s: %w", info.Filename, err)
	}
	return nil
}

func (r Repo) Delete(ctx context.Context, filename string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM manifest WHERE filename=?`, filename)
	return err
}

// Search applies the time and flag filters of q in SQL, newest first.
func (r Repo) Search(ctx context.Context, q memdir.Query) ([]memdir.Info, error) {
	clauses := []string{"1=1"}
	var args []any
	if !q.Since.IsZero() {
		clauses = append(clauses, "ts_ns>=?")
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		clauses = append(clauses, "ts_ns<?")
		args = append(args, q.Until.UnixNano())
	}
	for _, f := range q.Include {
		clauses = append(clauses, "instr(flags, ?)>0")
		args = append(args, string(f))
	}
	for _, f := range q.Exclude {
		clauses = append(clauses, "instr(flags, ?)=0")
		args = append(args, string(f))
	}
	query := fmt.Sprintf(`SELECT id,filename,ts_ns,host,flags FROM manifest WHERE %s ORDER BY ts_ns DESC, filename DESC`, strings.Join(clauses, " AND "))
	if q.Limit > 0 && len(q.Keywords) == 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []memdir.Info
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, info)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInfo(row scanner) (memdir.Info, error) {
	var info memdir.Info
	var ns int64
	var flags string
	if err := row.Scan(&info.ID, &info.Filename, &ns, &info.Host, &flags); err != nil {
		return info, err
	}
	info.Timestamp = time.Unix(0, ns).UTC()
	info.Flags = domain.Flags(flags)
	return info, nil
}

// GetByID looks up the archive filename of an entry.
func (r Repo) GetByID(ctx context.Context, id string) (memdir.Info, error) {
	info, err := scanInfo(r.DB.QueryRowContext(ctx, `SELECT id,filename,ts_ns,host,flags FROM manifest WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return info, ErrNotFound
	}
	return info, err
}

func (r Repo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM manifest`).Scan(&n)
	return n, err
}

// Reset replaces the manifest contents with infos and records the rebuild.
func (r Repo) Reset(ctx context.Context, infos []memdir.Info) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM manifest`); err != nil {
		return fmt.Errorf("clear manifest: %w", err)
	}
	for _, info := range infos {
		if err := put(ctx, tx, info); err != nil {
			return fmt.Errorf("manifest put %s: %w", info.Filename, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO rebuilds(ts,entries) VALUES (?,?)`,
		r.now().UTC().Format(time.RFC3339), len(infos)); err != nil {
		return fmt.Errorf("record rebuild: %w", err)
	}
	return tx.Commit()
}

// LastRebuild returns when the manifest was last rebuilt from disk.
func (r Repo) LastRebuild(ctx context.Context) (time.Time, int, error) {
	var ts string
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT ts,entries FROM rebuilds ORDER BY id DESC LIMIT 1`).Scan(&ts, &n)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, 0, ErrNotFound
	}
	if err != nil {
		return time.Time{}, 0, err
	}
	t, err := time.Parse(time.RFC3339, ts)
	return t, n, err
}
