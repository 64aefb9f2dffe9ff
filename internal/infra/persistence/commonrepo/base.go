package commonrepo

import "time"

// Model is embedded by every persisted row. IDs come from the snowflake
// generator, never from the database.
type Model struct {
	ID        uint64    `gorm:"primarykey;autoIncrement:false"`
	CreatedAt time.Time `gorm:"index;autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}
