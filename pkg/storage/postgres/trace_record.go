package postgres

import "time"

// TraceRecord is one persisted diagnostics event. Seq restarts with every
// process, so events are keyed by (run, seq).
type TraceRecord struct {
	ID uint `gorm:"primaryKey"`

	// unique index
	Run string `gorm:"type:varchar(36);not null;index:idx_trace_run_seq,unique"`
	Seq uint64 `gorm:"not null;index:idx_trace_run_seq,unique"`

	Stage     string    `gorm:"type:varchar(16);not null;index:idx_trace_stage"`
	Symbol    string    `gorm:"type:text;index:idx_trace_symbol"`
	Outcome   string    `gorm:"type:varchar(16);not null"`
	Detail    string    `gorm:"type:text"`
	Timestamp time.Time `gorm:"not null;index:idx_trace_timestamp"`

	RecordedAt time.Time `gorm:"autoCreateTime"`
}

// TableName overrides the default table name for GORM.
func (TraceRecord) TableName() string {
	return "trace_record"
}
