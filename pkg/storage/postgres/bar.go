package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// LatestBar returns the most recent bar for symbol, or nil if there is none.
func (p *PostgresClient) LatestBar(ctx context.Context, symbol string) (*BarRecord, error) {
	var bar BarRecord
	err := p.DB.WithContext(ctx).
		Where("symbol = ?", symbol).
		Order("start DESC").
		First(&bar).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest bar %s: %w", symbol, err)
	}
	return &bar, nil
}

// LastBarTime reports where the stored series of symbol ends, in UTC.
func (p *PostgresClient) LastBarTime(ctx context.Context, symbol string) (time.Time, bool, error) {
	bar, err := p.LatestBar(ctx, symbol)
	if err != nil || bar == nil {
		return time.Time{}, false, err
	}
	return bar.Start.UTC(), true, nil
}
