// Package sqlsink stores history events in a database/sql table. The SQL
// backends differ only in placeholder syntax and the timestamp column type.
package sqlsink

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/keepup/internal/history"
)

// Table receives every event.
const Table = "supervision_history"

type Dialect struct {
	TimeType    string
	Placeholder func(n int) string
}

var (
	Postgres = Dialect{TimeType: "TIMESTAMPTZ", Placeholder: func(n int) string { return "$" + strconv.Itoa(n) }}
	SQLite   = Dialect{TimeType: "TIMESTAMP", Placeholder: func(int) string { return "?" }}
)

var columns = []string{"occurred_at", "event", "service", "process_id", "pid", "command", "status", "error"}

type Sink struct {
	db      *sql.DB
	dialect Dialect
	insert  string
}

// Open creates the table and index when missing. The sink owns db.
func Open(ctx context.Context, db *sql.DB, d Dialect) (*Sink, error) {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s(
			occurred_at %s NOT NULL,
			event TEXT NOT NULL,
			service TEXT NOT NULL,
			process_id TEXT,
			pid INTEGER,
			command TEXT,
			status TEXT,
			error TEXT
		)`, Table, d.TimeType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_service ON %[1]s(service, occurred_at)`, Table),
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return nil, fmt.Errorf("create %s: %w", Table, err)
		}
	}
	marks := make([]string, len(columns))
	for i := range marks {
		marks[i] = d.Placeholder(i + 1)
	}
	return &Sink{
		db:      db,
		dialect: d,
		insert: fmt.Sprintf("INSERT INTO %s(%s) VALUES(%s)",
			Table, strings.Join(columns, ", "), strings.Join(marks, ", ")),
	}, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	var errText sql.NullString
	if e.Error != "" {
		errText = sql.NullString{String: e.Error, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.insert,
		e.OccurredAt.UTC(), string(e.Type), e.Service, e.ProcessID, e.PID, e.Command, e.Status, errText)
	return err
}

// Recent returns up to limit events for service, newest first.
func (s *Sink) Recent(ctx context.Context, service string, limit int) ([]history.Event, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE service = %s ORDER BY occurred_at DESC LIMIT %s",
		strings.Join(columns, ", "), Table, s.dialect.Placeholder(1), s.dialect.Placeholder(2))
	rows, err := s.db.QueryContext(ctx, q, service, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			e                        history.Event
			typ                      string
			at                       time.Time
			procID, cmd, status, msg sql.NullString
			pid                      sql.NullInt64
		)
		if err := rows.Scan(&at, &typ, &e.Service, &procID, &pid, &cmd, &status, &msg); err != nil {
			return nil, err
		}
		e.Type, e.OccurredAt = history.EventType(typ), at.UTC()
		e.ProcessID, e.PID, e.Command = procID.String, int(pid.Int64), cmd.String
		e.Status, e.Error = status.String, msg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns how many events were recorded for service.
func (s *Sink) Count(ctx context.Context, service string) (int, error) {
	var n int
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE service = %s", Table, s.dialect.Placeholder(1))
	err := s.db.QueryRowContext(ctx, q, service).Scan(&n)
	return n, err
}

func (s *Sink) Close() error { return s.db.Close() }
