package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Transfer directions.
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

// TransferRecord is one finished or failed transfer.
type TransferRecord struct {
	ID         uint   `gorm:"primaryKey"`
	SessionID  string `gorm:"index"`
	Direction  string `gorm:"not null"`
	FileName   string
	FileSize   int64
	FileType   string
	Bytes      int64
	Status     string `gorm:"not null"`
	Checksum   string
	Code       string
	Location   string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// History is the local transfer ledger.
type History struct {
	db *gorm.DB
}

// OpenHistory opens (or creates) the sqlite ledger at path. ":memory:" gives a
// private in-memory ledger.
func OpenHistory(path string) (*History, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" a single database.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&TransferRecord{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return &History{db: db}, nil
}

// Record appends rec to the ledger.
func (h *History) Record(ctx context.Context, rec *TransferRecord) error {
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}
	if err := h.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	return nil
}

// List returns up to limit records, newest first. A non-positive limit
// returns everything.
func (h *History) List(ctx context.Context, limit int) ([]TransferRecord, error) {
	records := []TransferRecord{}
	q := h.db.WithContext(ctx).Order("finished_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	return records, nil
}

// Close closes the underlying database.
func (h *History) Close() error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
