package ledger

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// AttemptRepository is the persistence interface for execution attempts.
type AttemptRepository interface {
	Create(ctx context.Context, a *Attempt) error
	CloseOpen(ctx context.Context, requestID, outcome string, willRetry bool, errText string) error
	List(ctx context.Context, limit, offset int) ([]Attempt, int64, error)
}

// gormAttemptRepository is the GORM implementation of AttemptRepository.
type gormAttemptRepository struct {
	db *gorm.DB
}

// NewAttemptRepository returns an AttemptRepository backed by the provided *gorm.DB.
func NewAttemptRepository(db *gorm.DB) AttemptRepository {
	return &gormAttemptRepository{db: db}
}

// Create inserts a new attempt row.
func (r *gormAttemptRepository) Create(ctx context.Context, a *Attempt) error {
	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("ledger: create attempt: %w", err)
	}
	return nil
}

// CloseOpen finalises the most recent running attempt for a request. A
// terminal event without a matching open row is ignored — the recorder may
// have started after the claim.
func (r *gormAttemptRepository) CloseOpen(ctx context.Context, requestID, outcome string, willRetry bool, errText string) error {
	var open Attempt
	err := r.db.WithContext(ctx).
		Where("request_id = ? AND outcome = ?", requestID, "running").
		Order("started_at DESC").
		First(&open).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return fmt.Errorf("ledger: find open attempt: %w", err)
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"outcome":     outcome,
		"will_retry":  willRetry,
		"error":       errText,
		"ended_at":    &now,
		"duration_ms": now.Sub(open.StartedAt).Milliseconds(),
	}
	if err := r.db.WithContext(ctx).Model(&open).Updates(updates).Error; err != nil {
		return fmt.Errorf("ledger: close attempt: %w", err)
	}
	return nil
}

// List returns attempts newest first with the total count.
func (r *gormAttemptRepository) List(ctx context.Context, limit, offset int) ([]Attempt, int64, error) {
	var attempts []Attempt
	var total int64

	if err := r.db.WithContext(ctx).Model(&Attempt{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("ledger: count attempts: %w", err)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&attempts).Error; err != nil {
		return nil, 0, fmt.Errorf("ledger: list attempts: %w", err)
	}
	return attempts, total, nil
}
