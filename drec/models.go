package drec

import "time"

// SessionRun is one device session as recorded in the ledger.
type SessionRun struct {
	ID         uint   `gorm:"primaryKey"`
	SessionID  string `gorm:"uniqueIndex;size:36"`
	Substation string `gorm:"index;size:128"`
	Device     string `gorm:"index;size:128"`
	Address    string `gorm:"size:64"`
	Protocol   string `gorm:"size:16"`
	StartedAt  time.Time `gorm:"index"`
	EndedAt    time.Time
	Attempts   int
	Outcome    string `gorm:"index;size:32"` // completed, cancelled, retries_exhausted, fatal
	Downloaded int
	Committed  int
	Archived   int
	LastError  string `gorm:"type:text"`
}

// DownloadedRecord is one committed record group.
type DownloadedRecord struct {
	ID           uint   `gorm:"primaryKey"`
	SessionID    string `gorm:"index;size:36"`
	Device       string `gorm:"index;size:128"`
	Address      string `gorm:"size:64"`
	LocalDir     string `gorm:"size:1024"`
	Record       string `gorm:"index;size:255"` // base name without extension
	TriggerTime  string `gorm:"index;size:15"`
	Files        string `gorm:"type:text"` // committed paths, newline separated
	FileCount    int
	SizeBytes    int64
	DownloadedAt time.Time `gorm:"index"`
}

// ArchivedOrphan is one local file moved into the archive subdirectory.
type ArchivedOrphan struct {
	ID          uint   `gorm:"primaryKey"`
	SessionID   string `gorm:"index;size:36"`
	Device      string `gorm:"index;size:128"`
	LocalPath   string `gorm:"size:1024"`
	ArchivePath string `gorm:"size:1024"`
	ArchivedAt  time.Time `gorm:"index"`
}
