// Package registry resolves per-service policy: who maintains a service,
// whether it has a remote agent endpoint, and which working directory its
// agent runs in. Policy files live under <hub>/registry/<service>.yaml (plain
// YAML) or .md (YAML frontmatter); the core treats them as read-only and
// reloads the whole set at every scheduler tick, so edits are picked up
// without a watcher.
package registry

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/aiwatching/accord/internal/request"
)

// Maintainer classifies who is responsible for a service. It decides whether
// the hub may dispatch requests for it at all.
type Maintainer string

const (
	// MaintainerAI — the hub runs requests autonomously.
	MaintainerAI Maintainer = "ai"
	// MaintainerHuman — the hub never runs these; a person does.
	MaintainerHuman Maintainer = "human"
	// MaintainerHybrid — the hub runs only explicitly approved requests.
	MaintainerHybrid Maintainer = "hybrid"
	// MaintainerExternal — owned by another hub or process entirely.
	MaintainerExternal Maintainer = "external"
)

// Policy is the resolved configuration of one service.
type Policy struct {
	Service    string     `yaml:"-"`
	Maintainer Maintainer `yaml:"maintainer"`
	A2AURL     string     `yaml:"a2a_url"`
	Directory  string     `yaml:"directory"`
}

// WorkingDir resolves the service's working directory. An explicit
// `directory` wins; relative paths are anchored at the hub root; the default
// is <root>/services/<service>.
func (p *Policy) WorkingDir(root string) string {
	dir := p.Directory
	if dir == "" {
		return filepath.Join(root, "services", p.Service)
	}
	if !filepath.IsAbs(dir) {
		return filepath.Join(root, dir)
	}
	return dir
}

// Registry is a read-through cache over the policy files. Reload replaces
// the whole cache; lookups between reloads see a consistent snapshot.
type Registry struct {
	dir    string
	logger *zap.Logger

	mu       sync.RWMutex
	policies map[string]*Policy
}

// New creates a Registry over <root>/registry. Call Reload before the first
// lookup.
func New(root string, logger *zap.Logger) *Registry {
	return &Registry{
		dir:      filepath.Join(root, "registry"),
		logger:   logger.Named("registry"),
		policies: make(map[string]*Policy),
	}
}

// Reload re-reads every policy file and swaps the cache. Individual parse
// failures are logged and skipped so one broken file does not hide the rest.
func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.mu.Lock()
			r.policies = make(map[string]*Policy)
			r.mu.Unlock()
			return nil
		}
		return err
	}

	next := make(map[string]*Policy, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" && ext != ".md" {
			continue
		}
		service := strings.TrimSuffix(name, ext)
		path := filepath.Join(r.dir, name)

		p, err := parsePolicy(path, ext)
		if err != nil {
			r.logger.Warn("malformed policy file, skipping",
				zap.String("path", path),
				zap.Error(err),
			)
			continue
		}
		p.Service = service
		next[service] = p
	}

	r.mu.Lock()
	r.policies = next
	r.mu.Unlock()
	return nil
}

func parsePolicy(path, ext string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if ext == ".md" {
		header, _, err := request.SplitFrontmatter(data)
		if err != nil {
			return nil, err
		}
		data = header
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PolicyFor returns the policy for a service, or nil when the service is
// unknown to the registry.
func (r *Registry) PolicyFor(service string) *Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policies[service]
}

// Services returns the sorted names of all known services.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.policies))
	for name := range r.policies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
