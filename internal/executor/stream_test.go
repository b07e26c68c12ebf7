package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStreamLineAssistantBlocks(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"hello"},` +
		`{"type":"thinking","thinking":"hmm"},` +
		`{"type":"tool_use","name":"Bash","input":{"command":"ls"}}]}}`)

	chunks, result, sessionID := parseStreamLine(line)
	require.Nil(t, result)
	assert.Empty(t, sessionID)
	require.Len(t, chunks, 3)
	assert.Equal(t, ChunkText, chunks[0].Type)
	assert.Equal(t, "hello", chunks[0].Text)
	assert.Equal(t, ChunkThinking, chunks[1].Type)
	assert.Equal(t, ChunkToolUse, chunks[2].Type)
	assert.Contains(t, chunks[2].Text, "Bash")
}

func TestParseStreamLineToolResult(t *testing.T) {
	line := []byte(`{"type":"user","message":{"content":[{"type":"tool_result","content":"ok"}]}}`)
	chunks, _, _ := parseStreamLine(line)
	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkToolResult, chunks[0].Type)
}

func TestParseStreamLineSystemInit(t *testing.T) {
	line := []byte(`{"type":"system","subtype":"init","session_id":"sess-42"}`)
	chunks, result, sessionID := parseStreamLine(line)
	require.Nil(t, result)
	assert.Equal(t, "sess-42", sessionID)
	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkStatus, chunks[0].Type)
}

func TestParseStreamLineResult(t *testing.T) {
	line := []byte(`{"type":"result","subtype":"success","is_error":false,` +
		`"duration_ms":2500,"num_turns":4,"total_cost_usd":0.31,"session_id":"sess-42",` +
		`"usage":{"input_tokens":120,"output_tokens":80},` +
		`"modelUsage":{"opus":{"turns":4}},"result":"all done"}`)

	chunks, result, _ := parseStreamLine(line)
	assert.Empty(t, chunks)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, int64(2500), result.DurationMS)
	assert.Equal(t, 4, result.NumTurns)
	assert.Equal(t, 0.31, result.CostUSD)
	assert.Equal(t, 120, result.InputTok)
	assert.Equal(t, 80, result.OutputTok)
	assert.Equal(t, map[string]int{"opus": 4}, result.ModelUsage)
	assert.Equal(t, "sess-42", result.SessionID)
	assert.Equal(t, "all done", result.Output)
}

func TestParseStreamLineErrorResult(t *testing.T) {
	line := []byte(`{"type":"result","subtype":"error","is_error":true,"result":"budget exceeded"}`)
	_, result, _ := parseStreamLine(line)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, "budget exceeded", result.ErrorText)
}

func TestParseStreamLinePlainText(t *testing.T) {
	chunks, result, _ := parseStreamLine([]byte("not json at all"))
	require.Nil(t, result)
	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkText, chunks[0].Type)
	assert.Equal(t, "not json at all", chunks[0].Text)
}
