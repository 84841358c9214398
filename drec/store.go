package drec

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Ledger is the SQLite history of sessions, committed records and archived orphans.
// It is shared by the sessions of one config file, so writes are serialized.
type Ledger struct {
	mu sync.Mutex
	db *gorm.DB
}

func OpenLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&SessionRun{}, &DownloadedRecord{}, &ArchivedOrphan{}); err != nil {
		return nil, err
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	err = sqlDB.Close()
	l.db = nil
	return err
}

func (l *Ledger) RecordSession(run *SessionRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Create(run).Error
}

func (l *Ledger) RecordDownload(rec *DownloadedRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Create(rec).Error
}

func (l *Ledger) RecordArchive(items []ArchivedOrphan) error {
	if len(items) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(&items).Error
	})
}

// Records returns the committed records of one device, oldest first.
func (l *Ledger) Records(device string) ([]DownloadedRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []DownloadedRecord
	err := l.db.Where("device = ?", device).Order("id asc").Find(&out).Error
	return out, err
}

// Sessions returns the recorded sessions of one device, oldest first.
func (l *Ledger) Sessions(device string) ([]SessionRun, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []SessionRun
	err := l.db.Where("device = ?", device).Order("id asc").Find(&out).Error
	return out, err
}

func (l *Ledger) Archived(device string) ([]ArchivedOrphan, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ArchivedOrphan
	err := l.db.Where("device = ?", device).Order("id asc").Find(&out).Error
	return out, err
}
