package storage

import (
	"context"
	"fmt"

	gormclickhouse "gorm.io/driver/clickhouse"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/navid-fn/candlekeeper/internal/storage/models"
)

const gormBatchSize = 1000

type gormStorage struct {
	db *gorm.DB
}

// OpenGorm opens db for a gorm backend.
func OpenGorm(backend, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch backend {
	case BackendGormClickHouse:
		dialector = gormclickhouse.Open(dsn)
	case BackendGormPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("storage: %q is not a gorm backend", backend)
	}
	return gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
}

func NewGormStorage(db *gorm.DB) Storage {
	return &gormStorage{db: db}
}

func (s *gormStorage) CreateArchiveRecords(ctx context.Context, records []*models.ArchiveRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(records, gormBatchSize).Error
}

func (s *gormStorage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *gormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
