package request

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store owns every mutation of request files under the hub root. No other
// component may rewrite, move, or create request files — executors and the
// dispatcher go through the Store so atomicity and the status machine are
// enforced in one place.
//
// Layout under the hub root:
//
//	comms/inbox/<service>/req-*.md   — live requests, possibly mirrored trees
//	comms/archive/req-*.md           — terminal requests
type Store struct {
	root   string
	logger *zap.Logger
}

// NewStore creates a Store rooted at the hub directory.
func NewStore(root string, logger *zap.Logger) *Store {
	return &Store{
		root:   root,
		logger: logger.Named("store"),
	}
}

// Root returns the hub root directory.
func (s *Store) Root() string { return s.root }

// InboxRoot returns the directory that holds one inbox per service.
func (s *Store) InboxRoot() string { return filepath.Join(s.root, "comms", "inbox") }

// ArchiveDir returns the terminal home of completed/failed/rejected requests.
func (s *Store) ArchiveDir() string { return filepath.Join(s.root, "comms", "archive") }

// InboxDir returns the inbox directory for a single service.
func (s *Store) InboxDir(service string) string {
	return filepath.Join(s.InboxRoot(), service)
}

// DependencyStatus is the result of checking a request's depends_on_requests.
type DependencyStatus struct {
	Ready   bool
	Pending []string
}

// ScanCandidates enumerates every inbox, parses the request files, dedupes by
// id across mirrored trees (first sighting in deterministic walk order wins),
// and returns the requests eligible for dispatch consideration: status
// pending, approved, or in-progress. The result is sorted by priority rank,
// then created ascending, then id ascending — a total, stable order.
//
// Parse failures and files that vanish mid-scan are logged and skipped; they
// never abort the scan.
func (s *Store) ScanCandidates(ctx context.Context) ([]*Request, error) {
	all, err := s.scanInboxes(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(all))
	candidates := make([]*Request, 0, len(all))
	for _, r := range all {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		switch r.Status {
		case StatusPending, StatusApproved, StatusInProgress:
			candidates = append(candidates, r)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ar, br := a.Priority.Rank(), b.Priority.Rank(); ar != br {
			return ar < br
		}
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
		return a.ID < b.ID
	})
	return candidates, nil
}

// ScanAll returns every parseable request file across all inboxes without
// deduplication or filtering. Used by startup recovery, which must rewrite
// every in-progress file including mirror copies.
func (s *Store) ScanAll(ctx context.Context) ([]*Request, error) {
	return s.scanInboxes(ctx)
}

// scanInboxes walks comms/inbox/*/req-*.md in sorted directory order so the
// first-sighting-wins dedupe in ScanCandidates is deterministic.
func (s *Store) scanInboxes(ctx context.Context) ([]*Request, error) {
	inboxRoot := s.InboxRoot()
	entries, err := os.ReadDir(inboxRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read inbox root: %w", err)
	}

	var out []*Request
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(inboxRoot, entry.Name())
		reqs, err := s.scanDir(dir)
		if err != nil {
			return nil, err
		}
		out = append(out, reqs...)
	}
	return out, nil
}

func (s *Store) scanDir(dir string) ([]*Request, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read dir %s: %w", dir, err)
	}

	var out []*Request
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "req-") || !strings.HasSuffix(name, ".md") {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Vanished between list and read — another writer archived it.
				continue
			}
			s.logger.Warn("unreadable request file, skipping",
				zap.String("path", path),
				zap.Error(err),
			)
			continue
		}
		r, err := Parse(path, data)
		if err != nil {
			s.logger.Warn("malformed request file, skipping",
				zap.String("path", path),
				zap.Error(err),
			)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// legal status transitions, per the request state machine. Recovery's
// in-progress → pending rewrite goes through SetStatus too.
var legalTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusApproved, StatusRejected},
	StatusApproved:   {StatusInProgress, StatusRejected},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusPending},
	StatusRejected:   {},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// SetStatus rewrites the request file with the new status and bumps updated.
// Illegal transitions are rejected before touching the file.
func (s *Store) SetStatus(r *Request, newStatus Status) error {
	if !transitionAllowed(r.Status, newStatus) {
		return fmt.Errorf("store: illegal transition %s → %s for %s", r.Status, newStatus, r.ID)
	}
	r.Status = newStatus
	r.Updated = time.Now().UTC()
	return s.rewrite(r)
}

func transitionAllowed(from, to Status) bool {
	if from == to {
		return true
	}
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IncrementAttempts advances the attempt counter at the start of an execution
// attempt and returns the post-increment value. A missing field counts as 0.
func (s *Store) IncrementAttempts(r *Request) (int, error) {
	r.Attempts++
	r.Updated = time.Now().UTC()
	if err := s.rewrite(r); err != nil {
		r.Attempts--
		return r.Attempts, err
	}
	return r.Attempts, nil
}

// rewrite atomically persists the request at its anchor path: encode, write
// to a temp file in the same directory, rename over the original. A reader
// never observes a partially written header.
func (s *Store) rewrite(r *Request) error {
	data, err := r.Encode()
	if err != nil {
		return err
	}
	return atomicWrite(r.Path, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".req-*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
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
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("store: rename into place: %w", err)
	}
	ok = true
	return nil
}

// Archive moves the request file from its inbox location into the archive.
// The status must already be terminal. The request's Path is updated to the
// new location.
func (s *Store) Archive(r *Request) error {
	if !r.Status.Terminal() {
		return fmt.Errorf("store: refusing to archive %s with non-terminal status %s", r.ID, r.Status)
	}
	archiveDir := s.ArchiveDir()
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("store: create archive dir: %w", err)
	}
	dest := filepath.Join(archiveDir, filepath.Base(r.Path))
	if err := moveFile(r.Path, dest); err != nil {
		return fmt.Errorf("store: archive %s: %w", r.ID, err)
	}
	r.Path = dest
	return nil
}

// moveFile renames src to dest, falling back to copy+remove when the rename
// crosses a device boundary.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// FindArchived looks up a request by id in the archive. Returns nil when no
// archived file carries that id.
func (s *Store) FindArchived(id string) (*Request, error) {
	reqs, err := s.scanDir(s.ArchiveDir())
	if err != nil {
		return nil, err
	}
	for _, r := range reqs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

// DependencyStatus checks each id in depends_on_requests. A dependency is
// satisfied iff an archived request with that id has status completed —
// absence, inbox-only presence, or any other status counts as unsatisfied.
func (s *Store) DependencyStatus(r *Request) (DependencyStatus, error) {
	if len(r.DependsOn) == 0 {
		return DependencyStatus{Ready: true}, nil
	}
	archived, err := s.scanDir(s.ArchiveDir())
	if err != nil {
		return DependencyStatus{}, err
	}
	byID := make(map[string]*Request, len(archived))
	for _, a := range archived {
		byID[a.ID] = a
	}

	st := DependencyStatus{Ready: true}
	for _, dep := range r.DependsOn {
		if a, ok := byID[dep]; !ok || a.Status != StatusCompleted {
			st.Ready = false
			st.Pending = append(st.Pending, dep)
		}
	}
	return st, nil
}

// EscalationInbox is the conventional inbox that receives escalation requests
// after a request exhausts its attempts.
const EscalationInbox = "orchestrator"

// CreateEscalation synthesises a new pending request in the orchestrator
// inbox referencing the exhausted request and its last error. This is a
// durable side-effect, not a retry — the originating request stays failed.
func (s *Store) CreateEscalation(origin *Request, lastErr string) (*Request, error) {
	now := time.Now().UTC()
	esc := &Request{
		ID:       fmt.Sprintf("req-esc-%s", uuid.NewString()[:8]),
		From:     "hub",
		To:       EscalationInbox,
		Scope:    origin.Scope,
		Type:     TypeOther,
		Priority: PriorityHigh,
		Status:   StatusPending,
		Created:  now,
		Updated:  now,
		Body: fmt.Sprintf(
			"# Escalation\n\nRequest `%s` for service `%s` failed after %d attempts.\n\nLast error:\n\n```\n%s\n```\n",
			origin.ID, origin.ServiceName(), origin.Attempts, lastErr,
		),
	}
	esc.header = newHeaderNode()
	headerSet(esc.header, "originated_from", origin.ID)

	esc.Path = filepath.Join(s.InboxDir(EscalationInbox), esc.ID+".md")
	data, err := esc.Encode()
	if err != nil {
		return nil, err
	}
	if err := atomicWrite(esc.Path, data); err != nil {
		return nil, err
	}
	s.logger.Info("escalation request created",
		zap.String("origin_id", origin.ID),
		zap.String("escalation_id", esc.ID),
	)
	return esc, nil
}
