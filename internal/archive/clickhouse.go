// Package archive copies State Snapshots into ClickHouse for long-range
// analysis. It is a side channel: failures are logged and dropped and never
// reach the gateway.
package archive

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Config for the ClickHouse archive. An empty Addr disables it.
type Config struct {
	Addr          string        `yaml:"addr"`
	Database      string        `yaml:"database"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	Table         string        `yaml:"table"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

const (
	DefaultTable         = "garden_snapshots"
	DefaultBatchSize     = 500
	DefaultFlushInterval = 10 * time.Second
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (c *Config) applyDefaults() {
	if c.Table == "" {
		c.Table = DefaultTable
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
}

// Validate checks the settings Open relies on.
func (c Config) Validate() error {
	if c.Addr == "" {
		return nil
	}
	if c.Table != "" && !tableName.MatchString(c.Table) {
		return fmt.Errorf("archive table %q is not a plain identifier", c.Table)
	}
	return nil
}

func createTableSQL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
		timestamp   DateTime64(3, 'UTC'),
		serial      String,
		garden_id   String,
		temperature Float64,
		humidity    Float64,
		light       Float64,
		soil        Float64,
		fan         Bool,
		light_on    Bool,
		pump        Bool,
		auto        Bool
	) ENGINE = MergeTree
	ORDER BY (serial, timestamp)`
}

// batchWriter persists a batch of rows.
type batchWriter interface {
	Write(ctx context.Context, rows []Row) error
	Close() error
}

type clickhouseWriter struct {
	conn  driver.Conn
	table string
}

// dial connects, pings and ensures the archive table exists.
func dial(ctx context.Context, cfg Config) (*clickhouseWriter, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, createTableSQL(cfg.Table)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create table %s: %w", cfg.Table, err)
	}
	return &clickhouseWriter{conn: conn, table: cfg.Table}, nil
}

func (w *clickhouseWriter) Write(ctx context.Context, rows []Row) error {
	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO "+w.table)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(r.values()...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

func (w *clickhouseWriter) Close() error {
	if err := w.conn.Close(); err != nil {
		return fmt.Errorf("close clickhouse: %w", err)
	}
	return nil
}
