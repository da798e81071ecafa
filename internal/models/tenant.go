package models

import "time"

// Tenant is one bot user, keyed by their Telegram chat id.
type Tenant struct {
	ID             int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	APIKey         string    `json:"-"`
	SealedSecret   string    `json:"-"`
	Debug          bool      `json:"debug"`
	ShareToChannel bool      `json:"share_to_channel"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
