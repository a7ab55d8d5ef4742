package postgres

import (
	"context"
	"fmt"
	"time"

	"livefeed/internal/diag"

	"gorm.io/gorm/clause"
)

// InsertTrace stores record. Re-inserting the same (run, seq) is a no-op.
func (p *PostgresClient) InsertTrace(ctx context.Context, record *TraceRecord) error {
	return p.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run"}, {Name: "seq"}},
		DoNothing: true,
	}).Create(record).Error
}

// QueryTraces returns the events of run for symbol (empty = all) within
// [from, to], zero bounds meaning open, ordered by seq. Like the in-memory
// trace, a symbol query also returns connection-level events.
func (p *PostgresClient) QueryTraces(ctx context.Context, run, symbol string, from, to time.Time) ([]diag.TraceEvent, error) {
	q := p.DB.WithContext(ctx).Model(&TraceRecord{}).Where("run = ?", run)
	if symbol != "" {
		q = q.Where("(symbol = ? OR symbol = '')", symbol)
	}
	if !from.IsZero() {
		q = q.Where("timestamp >= ?", from.UTC())
	}
	if !to.IsZero() {
		q = q.Where("timestamp <= ?", to.UTC())
	}

	var records []TraceRecord
	if err := q.Order("seq").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}

	out := make([]diag.TraceEvent, len(records))
	for i, r := range records {
		out[i] = r.Event()
	}
	return out, nil
}

// DeleteTracesBefore removes events older than before and reports how many.
func (p *PostgresClient) DeleteTracesBefore(ctx context.Context, before time.Time) (int64, error) {
	tx := p.DB.WithContext(ctx).
		Where("timestamp < ?", before.UTC()).
		Delete(&TraceRecord{})
	return tx.RowsAffected, tx.Error
}

// ToTraceRecord converts a trace event into a TraceRecord for DB insertion.
func ToTraceRecord(run string, ev diag.TraceEvent) *TraceRecord {
	return &TraceRecord{
		Run:       run,
		Seq:       ev.Seq,
		Stage:     string(ev.Stage),
		Symbol:    ev.Symbol,
		Outcome:   string(ev.Outcome),
		Detail:    ev.Detail,
		Timestamp: ev.Timestamp.UTC(),
	}
}

// Event converts the record back into a trace event.
func (r TraceRecord) Event() diag.TraceEvent {
	return diag.TraceEvent{
		Seq:       r.Seq,
		Stage:     diag.Stage(r.Stage),
		Symbol:    r.Symbol,
		Timestamp: r.Timestamp.UTC(),
		Outcome:   diag.Outcome(r.Outcome),
		Detail:    r.Detail,
	}
}

// TraceSink persists trace events of one process run. It implements diag.Sink.
type TraceSink struct {
	client *PostgresClient
	run    string
}

func NewTraceSink(client *PostgresClient, run string) *TraceSink {
	return &TraceSink{client: client, run: run}
}

func (s *TraceSink) Run() string { return s.run }

func (s *TraceSink) Write(ctx context.Context, ev diag.TraceEvent) error {
	return s.client.InsertTrace(ctx, ToTraceRecord(s.run, ev))
}
