// Package sqlite records history in a local SQLite file using the pure Go
// modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/keepup/internal/history/sqlsink"
)

type Sink struct {
	*sqlsink.Sink
}

// New accepts "sqlite:///path/to/file.db", "sqlite://:memory:", or a bare
// path or ":memory:".
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if len(dsn) >= len("sqlite://") && strings.EqualFold(dsn[:len("sqlite://")], "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	db, err := sql.Open("sqlite", dsn+pragmas(dsn))
	if err != nil {
		return nil, err
	}
	// :memory: databases are per connection
	db.SetMaxOpenConns(1)
	s, err := sqlsink.Open(context.Background(), db, sqlsink.SQLite)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Sink{s}, nil
}

// pragmas makes concurrent keepup processes wait on a locked file instead of
// failing immediately.
func pragmas(dsn string) string {
	if dsn == ":memory:" || strings.Contains(dsn, "_pragma=") {
		return ""
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return sep + "_pragma=busy_timeout(5000)"
}
