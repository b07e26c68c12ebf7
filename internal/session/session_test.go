package session

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAppendOutputLazyCreate(t *testing.T) {
	m := NewManager(t.TempDir(), zap.NewNop())

	assert.NoFileExists(t, m.LogPath("req-1"))
	m.AppendOutput("req-1", "[text] hello")
	m.AppendOutput("req-1", "[status] done")

	data, err := os.ReadFile(m.LogPath("req-1"))
	require.NoError(t, err)
	assert.Equal(t, "[text] hello\n[status] done\n", string(data))
}

func TestCheckpointRoundtrip(t *testing.T) {
	m := NewManager(t.TempDir(), zap.NewNop())

	assert.Nil(t, m.ReadCheckpoint("billing", "req-1"))

	require.NoError(t, m.WriteCheckpoint(Checkpoint{
		RequestID: "req-1",
		Service:   "billing",
		Attempt:   2,
		Error:     "agent exited 1",
	}))

	cp := m.ReadCheckpoint("billing", "req-1")
	require.NotNil(t, cp)
	assert.Equal(t, 2, cp.Attempt)
	assert.Equal(t, "agent exited 1", cp.Error)
	assert.False(t, cp.At.IsZero())

	m.ClearCheckpoint("billing", "req-1")
	assert.Nil(t, m.ReadCheckpoint("billing", "req-1"))

	// Clearing a missing checkpoint is fine.
	m.ClearCheckpoint("billing", "req-1")
}

func TestSessionReuseWithinBounds(t *testing.T) {
	m := NewManager(t.TempDir(), zap.NewNop())

	assert.Empty(t, m.ResumableSession("billing", 5, time.Hour))

	m.RecordSessionUse("billing", "sess-1")
	assert.Equal(t, "sess-1", m.ResumableSession("billing", 5, time.Hour))

	// A different session id resets the counter.
	m.RecordSessionUse("billing", "sess-2")
	assert.Equal(t, "sess-2", m.ResumableSession("billing", 5, time.Hour))
}

func TestSessionReuseRequestCap(t *testing.T) {
	m := NewManager(t.TempDir(), zap.NewNop())

	for i := 0; i < 3; i++ {
		m.RecordSessionUse("billing", "sess-1")
	}
	assert.Equal(t, "sess-1", m.ResumableSession("billing", 5, time.Hour))
	assert.Empty(t, m.ResumableSession("billing", 3, time.Hour))
}

func TestSessionReuseAgeCap(t *testing.T) {
	m := NewManager(t.TempDir(), zap.NewNop())
	m.RecordSessionUse("billing", "sess-1")

	assert.Equal(t, "sess-1", m.ResumableSession("billing", 5, time.Hour))
	assert.Empty(t, m.ResumableSession("billing", 5, time.Nanosecond))
}

func TestSessionsIsolatedPerService(t *testing.T) {
	m := NewManager(t.TempDir(), zap.NewNop())
	m.RecordSessionUse("billing", "sess-b")
	m.RecordSessionUse("shipping", "sess-s")

	assert.Equal(t, "sess-b", m.ResumableSession("billing", 5, time.Hour))
	assert.Equal(t, "sess-s", m.ResumableSession("shipping", 5, time.Hour))
}
