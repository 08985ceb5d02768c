package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "manifest.db"

type Config struct {
	// Root is the entry store root; the database lives in a hidden directory under it.
	Root string
}

func dbPath(root string) string {
	if root == "" {
		root = "."
	}
	return filepath.Join(root, ".tradeloop", defaultDBName)
}

// EnsureWorkspace creates the hidden metadata directory if missing.
func EnsureWorkspace(root string) (string, error) {
	path := filepath.Join(root, ".tradeloop")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite manifest database.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Root); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath(cfg.Root))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the db path for a store root.
func Path(root string) string {
	return dbPath(root)
}
