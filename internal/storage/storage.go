// Package storage provides the durable archive for candles drained from the
// hot store.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/navid-fn/candlekeeper/internal/storage/models"
)

// Backends accepted by Open.
const (
	BackendClickHouse     = "clickhouse"
	BackendGormClickHouse = "gorm-clickhouse"
	BackendGormPostgres   = "gorm-postgres"
)

// Storage defines the interface for persisting archive records.
// Implementations must be safe for concurrent use.
type Storage interface {
	// CreateArchiveRecords writes one sweep in a single bulk insert.
	CreateArchiveRecords(ctx context.Context, records []*models.ArchiveRecord) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases database connection resources.
	Close() error
}

// Open connects to the archive backend named by backend.
func Open(backend, dsn string) (Storage, error) {
	switch backend {
	case BackendClickHouse, "":
		return NewClickHouseStorage(dsn)
	case BackendGormClickHouse, BackendGormPostgres:
		db, err := OpenGorm(backend, dsn)
		if err != nil {
			return nil, err
		}
		return NewGormStorage(db), nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
}

// clickhouseStorage implements Storage using native ClickHouse driver.
type clickhouseStorage struct {
	conn driver.Conn
}

// NewClickHouseStorage creates a new ClickHouse storage connection.
// It parses the DSN, opens a connection, and verifies connectivity with a ping.
// Returns an error if connection cannot be established within 5 seconds.
func NewClickHouseStorage(dsn string) (Storage, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &clickhouseStorage{conn: conn}, nil
}

// CreateArchiveRecords inserts records using ClickHouse batch insert.
func (s *clickhouseStorage) CreateArchiveRecords(ctx context.Context, records []*models.ArchiveRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO candle_archive (
			bucket_key, symbol, interval,
			bucket_time, epoch_ms,
			open, high, low, close,
			acc_volume, acc_trade_value,
			archived_at
		)
	`)
	if err != nil {
		return err
	}
	defer func() { _ = batch.Abort() }()

	for _, r := range records {
		err := batch.Append(
			r.BucketKey,
			r.Symbol,
			r.Interval,
			r.BucketTime,
			r.EpochMillis,
			r.Open,
			r.High,
			r.Low,
			r.Close,
			r.AccVolume,
			r.AccTradeValue,
			r.ArchivedAt,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

func (s *clickhouseStorage) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the ClickHouse connection.
func (s *clickhouseStorage) Close() error {
	return s.conn.Close()
}
