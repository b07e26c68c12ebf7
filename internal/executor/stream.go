package executor

import (
	"encoding/json"
)

// ChunkType tags one streamed piece of agent output.
type ChunkType string

const (
	ChunkText       ChunkType = "text"
	ChunkToolUse    ChunkType = "tool_use"
	ChunkToolResult ChunkType = "tool_result"
	ChunkThinking   ChunkType = "thinking"
	ChunkStatus     ChunkType = "status"
)

// Chunk is one streamed unit of output, delivered to OnChunk in production
// order on the goroutine reading the agent's stdout.
type Chunk struct {
	Type ChunkType
	Text string
}

// Result is the outcome of one agent invocation, decoded from the final
// result line of the stream.
type Result struct {
	Success    bool
	DurationMS int64
	CostUSD    float64
	NumTurns   int
	InputTok   int
	OutputTok  int
	ModelUsage map[string]int
	SessionID  string
	Output     string
	ErrorText  string
}

// streamLine is the wire shape of one stream-json line from the agent CLI.
// Only the fields the hub consumes are decoded; everything else is ignored.
type streamLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
	SessionID string `json:"session_id"`

	// result-line fields
	IsError      bool               `json:"is_error"`
	DurationMS   int64              `json:"duration_ms"`
	NumTurns     int                `json:"num_turns"`
	TotalCostUSD float64            `json:"total_cost_usd"`
	ResultText   string             `json:"result"`
	Usage        *usageBlock        `json:"usage"`
	ModelUsage   map[string]turnUse `json:"modelUsage"`
}

type contentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	Thinking string          `json:"thinking"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
	Content  json.RawMessage `json:"content"`
}

type usageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type turnUse struct {
	Turns int `json:"turns"`
}

// parseStreamLine decodes one stdout line. It returns the chunks to stream,
// the final result when the line is the terminal one (its session id is in
// Result.SessionID), and the session id a system line announced. A line that
// is not valid JSON is passed through as a text chunk — agents occasionally
// print plain diagnostics.
func parseStreamLine(line []byte) (chunks []Chunk, result *Result, sessionID string) {
	var sl streamLine
	if err := json.Unmarshal(line, &sl); err != nil {
		return []Chunk{{Type: ChunkText, Text: string(line)}}, nil, ""
	}

	switch sl.Type {
	case "system":
		sessionID = sl.SessionID
		chunks = append(chunks, Chunk{Type: ChunkStatus, Text: sl.Subtype})

	case "assistant":
		for _, block := range sl.Message.Content {
			switch block.Type {
			case "text":
				chunks = append(chunks, Chunk{Type: ChunkText, Text: block.Text})
			case "thinking":
				chunks = append(chunks, Chunk{Type: ChunkThinking, Text: block.Thinking})
			case "tool_use":
				chunks = append(chunks, Chunk{Type: ChunkToolUse, Text: block.Name + " " + string(block.Input)})
			}
		}

	case "user":
		for _, block := range sl.Message.Content {
			if block.Type == "tool_result" {
				chunks = append(chunks, Chunk{Type: ChunkToolResult, Text: string(block.Content)})
			}
		}

	case "result":
		res := &Result{
			Success:    !sl.IsError,
			DurationMS: sl.DurationMS,
			CostUSD:    sl.TotalCostUSD,
			NumTurns:   sl.NumTurns,
			SessionID:  sl.SessionID,
			Output:     sl.ResultText,
		}
		if sl.IsError {
			res.ErrorText = sl.ResultText
		}
		if sl.Usage != nil {
			res.InputTok = sl.Usage.InputTokens
			res.OutputTok = sl.Usage.OutputTokens
		}
		if len(sl.ModelUsage) > 0 {
			res.ModelUsage = make(map[string]int, len(sl.ModelUsage))
			for model, u := range sl.ModelUsage {
				res.ModelUsage[model] = u.Turns
			}
		}
		result = res

	default:
		// Unknown line kinds surface as status so nothing is silently lost.
		if len(line) > 0 {
			chunks = append(chunks, Chunk{Type: ChunkStatus, Text: string(line)})
		}
	}
	return chunks, result, sessionID
}
