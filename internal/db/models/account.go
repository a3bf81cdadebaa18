package models

import "time"

// Account stores a Kiro identity and its credentials.
type Account struct {
	ID             string `gorm:"primaryKey"`     // UUID unless supplied by the caller
	Provider       string `gorm:"index;not null"` // social, idc, import
	DisplayName    string
	Email          string `gorm:"index"`
	Subscription   string
	AccessToken    string
	RefreshToken   string
	ExpiresAt      time.Time
	AuthMethod     string // social or IdC; decides how imported tokens refresh
	ClientID       string
	ClientSecret   string
	Region         string
	StartURL       string
	ProfileARN     string
	BoundMachineID *string `gorm:"uniqueIndex"` // NULLs do not collide in SQLite
	Status         string  `gorm:"not null;default:'active'"`
	LastVerifiedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
