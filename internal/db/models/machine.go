package models

import "time"

// MachineBinding pins a machine identifier to exactly one account.
// Both columns are unique: an id belongs to one account and an account
// holds one id.
type MachineBinding struct {
	MachineID string `gorm:"primaryKey"`
	AccountID string `gorm:"uniqueIndex;not null"`
	BoundAt   time.Time
}

// Backup kinds.
const (
	BackupOriginal = "original" // factory value, written once
	BackupManual   = "manual"   // latest explicit backup
)

// MachineGuidBackup is a persisted snapshot of the system machine id.
type MachineGuidBackup struct {
	Kind       string `gorm:"primaryKey"`
	MachineID  string `gorm:"not null"`
	CapturedAt time.Time
}
