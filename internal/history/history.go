// Package history appends structured transition records to the audit log.
// Records are partitioned one file per (date, actor) —
// <hub>/comms/history/<YYYY-MM-DD>-<actor>.jsonl — so concurrent appends
// from different actors never touch the same file, and appends for a single
// actor are serialised by the writer's lock.
//
// Appends are best-effort: an I/O failure is logged and swallowed, never
// propagated into scheduling or execution decisions.
package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TokenUsage mirrors the agent-reported token counts for one attempt.
type TokenUsage struct {
	Input  int `json:"input,omitempty"`
	Output int `json:"output,omitempty"`
}

// Record is one audit line: a single status transition with optional
// execution metadata when the transition ends an attempt.
type Record struct {
	TS         time.Time      `json:"ts"`
	RequestID  string         `json:"request_id"`
	FromStatus string         `json:"from_status"`
	ToStatus   string         `json:"to_status"`
	Actor      string         `json:"actor"`
	Detail     string         `json:"detail,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	CostUSD    float64        `json:"cost_usd,omitempty"`
	Turns      int            `json:"turns,omitempty"`
	TokenUsage *TokenUsage    `json:"token_usage,omitempty"`
	ModelUsage map[string]int `json:"model_usage,omitempty"`
}

// Writer appends history records. Safe for concurrent use.
type Writer struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewWriter creates a Writer over <root>/comms/history.
func NewWriter(root string, logger *zap.Logger) *Writer {
	return &Writer{
		dir:    filepath.Join(root, "comms", "history"),
		logger: logger.Named("history"),
	}
}

// Append writes one JSON line to the record's (date, actor) partition.
// A zero TS is stamped with the current time. Errors are logged, not returned.
func (w *Writer) Append(rec Record) {
	if rec.TS.IsZero() {
		rec.TS = time.Now().UTC()
	}
	if rec.Actor == "" {
		rec.Actor = "hub"
	}

	line, err := json.Marshal(rec)
	if err != nil {
		w.logger.Warn("history record not serialisable", zap.Error(err))
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		w.logger.Warn("history dir not creatable", zap.Error(err))
		return
	}
	path := filepath.Join(w.dir, rec.TS.UTC().Format("2006-01-02")+"-"+rec.Actor+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		w.logger.Warn("history file not writable", zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		w.logger.Warn("history append failed", zap.String("path", path), zap.Error(err))
	}
}
