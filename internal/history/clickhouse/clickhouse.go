// Package clickhouse records history in a ClickHouse MergeTree table over the
// native protocol.
package clickhouse

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/keepup/internal/history"
)

// Options selects the ClickHouse server and destination table.
type Options struct {
	Addr     string // host:port of the native protocol
	Database string
	Username string
	Password string
	Table    string
}

// Table names come from DSNs and are interpolated into SQL.
var tablePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

type Sink struct {
	conn  driver.Conn
	table string
}

func New(opts Options) (*Sink, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.Table == "" {
		opts.Table = "supervision_history"
	}
	if !tablePattern.MatchString(opts.Table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", opts.Table)
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to ClickHouse: %w", err)
	}
	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping ClickHouse: %w", err)
	}
	err = conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			occurred_at DateTime64(6, 'UTC'),
			event LowCardinality(String),
			service LowCardinality(String),
			process_id String,
			pid UInt32,
			command String,
			status LowCardinality(String),
			error Nullable(String)
		) ENGINE = MergeTree()
		ORDER BY (service, occurred_at)`, opts.Table))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create ClickHouse table %s: %w", opts.Table, err)
	}
	return &Sink{conn: conn, table: opts.Table}, nil
}

// Send appends e as a one-row batch.
func (s *Sink) Send(ctx context.Context, e history.Event) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("prepare ClickHouse insert: %w", err)
	}
	var errText *string
	if e.Error != "" {
		errText = &e.Error
	}
	if err := batch.Append(e.OccurredAt.UTC(), string(e.Type), e.Service, e.ProcessID, uint32(e.PID), e.Command, e.Status, errText); err != nil {
		_ = batch.Abort()
		return fmt.Errorf("append ClickHouse row: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("insert into ClickHouse: %w", err)
	}
	return nil
}

// Count returns how many events were recorded for service.
func (s *Sink) Count(ctx context.Context, service string) (uint64, error) {
	var n uint64
	err := s.conn.QueryRow(ctx, "SELECT count() FROM "+s.table+" WHERE service = ?", service).Scan(&n)
	return n, err
}

func (s *Sink) Close() error { return s.conn.Close() }
