package request

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRequest = `---
id: req-100
from: orchestrator
to: billing
scope: api
type: implementation
priority: high
status: pending
created: 2026-07-01T10:00:00Z
updated: 2026-07-01T10:00:00Z
related_contract: billing-v2
depends_on_requests:
  - req-99
custom_field: keep-me
---
# Implement invoice rounding

Round totals to cents before persisting.
`

func TestParse(t *testing.T) {
	r, err := Parse("/tmp/req-100.md", []byte(sampleRequest))
	require.NoError(t, err)

	assert.Equal(t, "req-100", r.ID)
	assert.Equal(t, "billing", r.ServiceName())
	assert.Equal(t, PriorityHigh, r.Priority)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, []string{"req-99"}, r.DependsOn)
	assert.Equal(t, 0, r.Attempts)
	assert.Equal(t, time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC), r.Created)
	assert.Contains(t, r.Body, "invoice rounding")
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"no frontmatter":  "just a body\n",
		"missing id":      "---\nto: billing\nstatus: pending\ncreated: 2026-07-01T10:00:00Z\nupdated: 2026-07-01T10:00:00Z\n---\n",
		"bad status":      strings.Replace(sampleRequest, "status: pending", "status: bogus", 1),
		"bad attempts":    strings.Replace(sampleRequest, "priority: high", "attempts: \"-3\"", 1),
		"missing created": strings.Replace(sampleRequest, "created: 2026-07-01T10:00:00Z", "created: \"\"", 1),
		"unterminated":    "---\nid: req-1\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse("x.md", []byte(content))
			assert.Error(t, err)
		})
	}
}

func TestEncodePreservesUnknownFields(t *testing.T) {
	r, err := Parse("x.md", []byte(sampleRequest))
	require.NoError(t, err)

	r.Status = StatusInProgress
	r.Attempts = 1
	r.Updated = time.Date(2026, 7, 1, 11, 0, 0, 0, time.UTC)

	out, err := r.Encode()
	require.NoError(t, err)
	text := string(out)

	assert.Contains(t, text, "custom_field: keep-me")
	assert.Contains(t, text, "related_contract: billing-v2")
	assert.Contains(t, text, "status: in-progress")
	assert.Contains(t, text, "attempts: \"1\"")
	assert.Contains(t, text, "2026-07-01T11:00:00Z")
	assert.Contains(t, text, "Round totals to cents")

	// Key order of untouched fields survives: id before custom_field.
	assert.Less(t, strings.Index(text, "id:"), strings.Index(text, "custom_field:"))

	// A rewritten file must parse back to the same request.
	r2, err := Parse("x.md", out)
	require.NoError(t, err)
	assert.Equal(t, r.ID, r2.ID)
	assert.Equal(t, StatusInProgress, r2.Status)
	assert.Equal(t, 1, r2.Attempts)
	assert.Equal(t, []string{"req-99"}, r2.DependsOn)
}

func TestDependsOnScalarForm(t *testing.T) {
	content := strings.Replace(sampleRequest,
		"depends_on_requests:\n  - req-99", "depends_on_requests: req-7, req-8", 1)
	r, err := Parse("x.md", []byte(content))
	require.NoError(t, err)
	assert.Equal(t, []string{"req-7", "req-8"}, r.DependsOn)
}

func TestPriorityRank(t *testing.T) {
	assert.Less(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Less(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Less(t, PriorityMedium.Rank(), PriorityLow.Rank())
	assert.Equal(t, PriorityMedium.Rank(), Priority("weird").Rank())
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusRejected.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusInProgress.Terminal())
}
