// Package ledger persists a queryable read model of execution attempts in
// SQLite. It is strictly downstream of the event bus: the recorder turns
// lifecycle events into rows, and the façade serves them. The request files
// remain the source of truth — nothing in the pipeline reads the ledger, and
// a lost ledger write is only a reporting gap.
package ledger

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Attempt is one execution attempt of a request, opened on request:claimed
// and closed by the matching terminal event.
type Attempt struct {
	// ID uses UUID v7 (time-ordered) so listing by primary key follows
	// chronological order without a separate index.
	ID        uuid.UUID `gorm:"type:text;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`

	RequestID string `gorm:"not null;index" json:"request_id"`
	Service   string `gorm:"not null;index" json:"service"`
	Attempt   int    `gorm:"not null" json:"attempt"`

	// Outcome is "running" while in flight, then "completed" or "failed".
	Outcome   string `gorm:"not null;default:'running';index" json:"outcome"`
	WillRetry bool   `gorm:"not null;default:false" json:"will_retry"`
	Error     string `json:"error,omitempty"`

	StartedAt  time.Time  `gorm:"not null" json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	DurationMS int64      `json:"duration_ms"`
	CostUSD    float64    `json:"cost_usd"`
}

// BeforeCreate generates a UUID v7 when the ID is unset.
func (a *Attempt) BeforeCreate(tx *gorm.DB) error {
	if a.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		a.ID = id
	}
	return nil
}
