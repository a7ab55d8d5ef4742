package postgres

import (
	"time"

	"github.com/shopspring/decimal"
)

// BarRecord is a finalized historical bar. The table is filled by the
// ingestion side; this service only reads it to find where history ends.
type BarRecord struct {
	ID uint `gorm:"primaryKey"`

	// unique index
	Symbol   string    `gorm:"type:text;not null;index:idx_bar_symbol;index:idx_bar_symbol_interval_start,unique"`
	Interval string    `gorm:"type:varchar(10);not null;index:idx_bar_symbol_interval_start,unique"`
	Start    time.Time `gorm:"not null;index:idx_bar_symbol_interval_start,unique"`

	Open   decimal.Decimal `gorm:"type:numeric;not null"`
	High   decimal.Decimal `gorm:"type:numeric;not null"`
	Low    decimal.Decimal `gorm:"type:numeric;not null"`
	Close  decimal.Decimal `gorm:"type:numeric;not null"`
	Volume decimal.Decimal `gorm:"type:numeric;not null"`
}

// TableName overrides the default table name for GORM.
func (BarRecord) TableName() string {
	return "bar_record"
}
