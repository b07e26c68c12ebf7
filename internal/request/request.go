// Package request defines the request file model and the Store that owns all
// request file mutations. A request is a UTF-8 markdown file with a YAML
// frontmatter header and a free-form body. The file on disk is the source of
// truth — the in-memory Request is a read-through projection that keeps the
// parsed header node around so unknown fields survive a rewrite byte-exact
// in value and order.
package request

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Priority orders requests for dispatch. Critical sorts first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns the sort weight of the priority. Lower runs earlier.
// Unknown values rank as medium so a typo in a header does not bury
// the request at the bottom of the queue.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is one of the archive-eligible states.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected
}

// Valid reports whether s is one of the legal status values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Request type values. Only TypeCommand changes dispatch behaviour — command
// requests run an allowlisted hub builtin instead of invoking an agent.
const (
	TypeCommand = "command"
	TypeOther   = "other"
)

// Request is the parsed projection of a single request file.
type Request struct {
	ID          string
	From        string
	To          string
	Scope       string
	Type        string
	Priority    Priority
	Status      Status
	Created     time.Time
	Updated     time.Time
	Attempts    int
	DependsOn   []string
	Command     string
	CommandArgs []string
	Directive   string

	// Path is the file this request was parsed from. It anchors every
	// mutation — SetStatus and friends rewrite this file in place.
	Path string

	// Body is the free-form markdown after the frontmatter.
	Body string

	// header is the parsed frontmatter mapping node. Mutations write known
	// fields back into this node so unknown fields and key order are
	// preserved verbatim on rewrite.
	header *yaml.Node
}

// ServiceName is the routing key: the inbox the request sits in addresses a
// service, and the `to` header names it.
func (r *Request) ServiceName() string {
	return r.To
}

// frontmatterDelim separates the YAML header from the body.
const frontmatterDelim = "---"

// SplitFrontmatter splits a request or registry file into its raw YAML header
// and body. The file must start with a `---` line; the header runs until the
// next `---` line.
func SplitFrontmatter(data []byte) (header, body []byte, err error) {
	content := string(data)
	if !strings.HasPrefix(content, frontmatterDelim) {
		return nil, nil, fmt.Errorf("missing frontmatter delimiter")
	}
	rest := content[len(frontmatterDelim):]
	// Tolerate both \n and \r\n after the opening delimiter.
	rest = strings.TrimPrefix(rest, "\r")
	if !strings.HasPrefix(rest, "\n") {
		return nil, nil, fmt.Errorf("malformed frontmatter opening")
	}
	rest = rest[1:]

	idx := strings.Index(rest, "\n"+frontmatterDelim)
	if idx < 0 {
		return nil, nil, fmt.Errorf("unterminated frontmatter")
	}
	header = []byte(rest[:idx])
	after := rest[idx+1+len(frontmatterDelim):]
	after = strings.TrimPrefix(after, "\r")
	after = strings.TrimPrefix(after, "\n")
	return header, []byte(after), nil
}

// Parse decodes a request file. path is recorded as the mutation anchor.
// Missing required fields are an error; optional fields default to zero
// values. The header node is retained for lossless rewrite.
func Parse(path string, data []byte) (*Request, error) {
	rawHeader, body, err := SplitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(rawHeader, &doc); err != nil {
		return nil, fmt.Errorf("request %s: invalid header yaml: %w", path, err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("request %s: header is not a mapping", path)
	}
	header := doc.Content[0]

	r := &Request{
		Path:   path,
		Body:   string(body),
		header: header,
	}

	r.ID = headerString(header, "id")
	r.From = headerString(header, "from")
	r.To = headerString(header, "to")
	r.Scope = headerString(header, "scope")
	r.Type = headerString(header, "type")
	r.Priority = Priority(headerString(header, "priority"))
	r.Status = Status(headerString(header, "status"))
	r.Directive = headerString(header, "directive")
	r.Command = headerString(header, "command")
	r.DependsOn = headerStrings(header, "depends_on_requests")
	r.CommandArgs = headerStrings(header, "command_args")

	if r.ID == "" {
		return nil, fmt.Errorf("request %s: missing id", path)
	}
	if r.To == "" {
		return nil, fmt.Errorf("request %s: missing to", path)
	}
	if !r.Status.Valid() {
		return nil, fmt.Errorf("request %s: invalid status %q", path, headerString(header, "status"))
	}

	if v := headerString(header, "attempts"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("request %s: invalid attempts %q", path, v)
		}
		r.Attempts = n
	}

	if r.Created, err = parseTime(headerString(header, "created")); err != nil {
		return nil, fmt.Errorf("request %s: invalid created: %w", path, err)
	}
	if r.Updated, err = parseTime(headerString(header, "updated")); err != nil {
		return nil, fmt.Errorf("request %s: invalid updated: %w", path, err)
	}

	return r, nil
}

// Encode serialises the request back into file form. Known fields currently
// held on the struct are written into the preserved header node; everything
// else in the header comes out exactly as it went in.
func (r *Request) Encode() ([]byte, error) {
	if r.header == nil {
		// A request synthesised in memory (escalation) has no parsed node.
		r.header = newHeaderNode()
	}

	headerSet(r.header, "id", r.ID)
	headerSet(r.header, "from", r.From)
	headerSet(r.header, "to", r.To)
	if r.Scope != "" {
		headerSet(r.header, "scope", r.Scope)
	}
	headerSet(r.header, "type", r.Type)
	headerSet(r.header, "priority", string(r.Priority))
	headerSet(r.header, "status", string(r.Status))
	headerSet(r.header, "created", r.Created.UTC().Format(time.RFC3339))
	headerSet(r.header, "updated", r.Updated.UTC().Format(time.RFC3339))
	if r.Attempts > 0 || headerString(r.header, "attempts") != "" {
		headerSet(r.header, "attempts", strconv.Itoa(r.Attempts))
	}

	var buf bytes.Buffer
	buf.WriteString(frontmatterDelim + "\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(r.header); err != nil {
		return nil, fmt.Errorf("request %s: encode header: %w", r.Path, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("request %s: encode header: %w", r.Path, err)
	}

	buf.WriteString(frontmatterDelim + "\n")
	buf.WriteString(r.Body)
	return buf.Bytes(), nil
}

// parseTime accepts RFC 3339 and a couple of laxer forms agents have been
// observed to write. An empty value is an error — created/updated are required.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", v)
}

func newHeaderNode() *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
}

// headerValue returns the value node for key, or nil.
func headerValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func headerString(m *yaml.Node, key string) string {
	if v := headerValue(m, key); v != nil && v.Kind == yaml.ScalarNode {
		return v.Value
	}
	return ""
}

// headerStrings reads a field that may be a YAML sequence or a single scalar
// (agents write both forms).
func headerStrings(m *yaml.Node, key string) []string {
	v := headerValue(m, key)
	if v == nil {
		return nil
	}
	switch v.Kind {
	case yaml.SequenceNode:
		out := make([]string, 0, len(v.Content))
		for _, item := range v.Content {
			if item.Value != "" {
				out = append(out, item.Value)
			}
		}
		return out
	case yaml.ScalarNode:
		if v.Value == "" {
			return nil
		}
		// Tolerate comma-separated scalars.
		parts := strings.Split(v.Value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}

// headerSet updates key in place, appending it at the end when absent.
func headerSet(m *yaml.Node, key, value string) {
	if v := headerValue(m, key); v != nil {
		v.SetString(value)
		return
	}
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	)
}
