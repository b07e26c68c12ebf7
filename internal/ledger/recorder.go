package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aiwatching/accord/internal/bus"
)

// Recorder subscribes to request lifecycle events and mirrors them into the
// ledger. Write failures are logged and dropped — the recorder must never
// disturb the emitting pipeline.
type Recorder struct {
	repo   AttemptRepository
	logger *zap.Logger
}

// NewRecorder creates a Recorder over the repository.
func NewRecorder(repo AttemptRepository, logger *zap.Logger) *Recorder {
	return &Recorder{repo: repo, logger: logger.Named("ledger")}
}

// Attach subscribes the recorder to the bus and returns a release function.
func (r *Recorder) Attach(eventBus *bus.Bus) (release func()) {
	unsubs := []func(){
		eventBus.Subscribe(bus.EventRequestClaimed, func(payload any) {
			claimed, ok := payload.(bus.RequestClaimed)
			if !ok {
				return
			}
			err := r.repo.Create(context.Background(), &Attempt{
				RequestID: claimed.RequestID,
				Service:   claimed.Service,
				Attempt:   claimed.Attempt,
				Outcome:   "running",
				StartedAt: time.Now().UTC(),
			})
			if err != nil {
				r.logger.Warn("attempt row not recorded", zap.Error(err))
			}
		}),
		eventBus.Subscribe(bus.EventRequestCompleted, func(payload any) {
			done, ok := payload.(bus.RequestCompleted)
			if !ok {
				return
			}
			if err := r.repo.CloseOpen(context.Background(), done.RequestID, "completed", false, ""); err != nil {
				r.logger.Warn("attempt row not closed", zap.Error(err))
			}
		}),
		eventBus.Subscribe(bus.EventRequestFailed, func(payload any) {
			failed, ok := payload.(bus.RequestFailed)
			if !ok {
				return
			}
			if err := r.repo.CloseOpen(context.Background(), failed.RequestID, "failed", failed.WillRetry, failed.Error); err != nil {
				r.logger.Warn("attempt row not closed", zap.Error(err))
			}
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
