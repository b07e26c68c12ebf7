// Package session owns the per-request artifacts that accompany execution:
// the append-only session log, the crash checkpoint, and the per-service
// agent session state used to decide between resuming an agent session and
// starting a fresh one.
//
// Everything lives under <hub>/comms/sessions:
//
//	<requestId>.log                       — session log, lazy-created
//	<service>-<requestId>.checkpoint.json — retry context after a failed attempt
//	<service>.session.json                — agent session reuse state
//
// Each session log has exactly one writer (the executor running that
// request), so appends need no cross-writer locking. The state files are
// written atomically via temp file + rename.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Checkpoint is the small artifact written before a failed attempt is
// finalised. On the next attempt it is read back and prefixed to the prompt
// so the agent knows what went wrong last time. Cleared on success.
type Checkpoint struct {
	RequestID string    `json:"request_id"`
	Service   string    `json:"service"`
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

// agentSession tracks one service's reusable agent CLI session.
type agentSession struct {
	SessionID string    `json:"session_id"`
	Requests  int       `json:"requests"`
	StartedAt time.Time `json:"started_at"`
}

// Manager coordinates access to the sessions directory.
type Manager struct {
	dir    string
	logger *zap.Logger

	// mu guards the per-service session state files. Session logs are not
	// guarded here — each has a single writer by construction.
	mu sync.Mutex
}

// NewManager creates a Manager over <root>/comms/sessions.
func NewManager(root string, logger *zap.Logger) *Manager {
	return &Manager{
		dir:    filepath.Join(root, "comms", "sessions"),
		logger: logger.Named("session"),
	}
}

// LogPath returns the session log path for a request id.
func (m *Manager) LogPath(requestID string) string {
	return filepath.Join(m.dir, requestID+".log")
}

// AppendOutput appends one line to the request's session log, creating it
// on first output. Errors are logged and swallowed — losing a log line must
// not fail the attempt.
func (m *Manager) AppendOutput(requestID, line string) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		m.logger.Warn("sessions dir not creatable", zap.Error(err))
		return
	}
	f, err := os.OpenFile(m.LogPath(requestID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		m.logger.Warn("session log not writable", zap.String("request_id", requestID), zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		m.logger.Warn("session log append failed", zap.String("request_id", requestID), zap.Error(err))
	}
}

func (m *Manager) checkpointPath(service, requestID string) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s-%s.checkpoint.json", service, requestID))
}

// WriteCheckpoint persists the retry context for a failed attempt.
func (m *Manager) WriteCheckpoint(cp Checkpoint) error {
	if cp.At.IsZero() {
		cp.At = time.Now().UTC()
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal checkpoint: %w", err)
	}
	return writeAtomic(m.checkpointPath(cp.Service, cp.RequestID), data)
}

// ReadCheckpoint returns the checkpoint for (service, requestID), or nil
// when none exists. A corrupt checkpoint is treated as absent — retry
// context is best-effort.
func (m *Manager) ReadCheckpoint(service, requestID string) *Checkpoint {
	data, err := os.ReadFile(m.checkpointPath(service, requestID))
	if err != nil {
		return nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		m.logger.Warn("corrupt checkpoint ignored",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return nil
	}
	return &cp
}

// ClearCheckpoint removes the checkpoint after a successful attempt.
func (m *Manager) ClearCheckpoint(service, requestID string) {
	if err := os.Remove(m.checkpointPath(service, requestID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn("checkpoint not removable", zap.String("request_id", requestID), zap.Error(err))
	}
}

func (m *Manager) sessionStatePath(service string) string {
	return filepath.Join(m.dir, service+".session.json")
}

// ResumableSession returns the agent session id to resume for a service, or
// "" when the session is absent or has aged out of the reuse bounds.
func (m *Manager) ResumableSession(service string, maxRequests int, maxAge time.Duration) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.loadSession(service)
	if st == nil || st.SessionID == "" {
		return ""
	}
	if maxRequests > 0 && st.Requests >= maxRequests {
		return ""
	}
	if maxAge > 0 && time.Since(st.StartedAt) >= maxAge {
		return ""
	}
	return st.SessionID
}

// RecordSessionUse updates the per-service state after an attempt: a new
// session id resets the counter, a reused one increments it.
func (m *Manager) RecordSessionUse(service, sessionID string) {
	if sessionID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.loadSession(service)
	if st == nil || st.SessionID != sessionID {
		st = &agentSession{SessionID: sessionID, StartedAt: time.Now().UTC()}
	}
	st.Requests++

	data, err := json.Marshal(st)
	if err != nil {
		m.logger.Warn("session state not serialisable", zap.String("service", service), zap.Error(err))
		return
	}
	if err := writeAtomic(m.sessionStatePath(service), data); err != nil {
		m.logger.Warn("session state not writable", zap.String("service", service), zap.Error(err))
	}
}

func (m *Manager) loadSession(service string) *agentSession {
	data, err := os.ReadFile(m.sessionStatePath(service))
	if err != nil {
		return nil
	}
	var st agentSession
	if err := json.Unmarshal(data, &st); err != nil {
		return nil
	}
	return &st
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	ok = true
	return nil
}
