package compactor

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/relaycore/llmcore/core/types"
)

// modelEncodings maps model name prefixes to their tiktoken encoding,
// adapted from the teacher's llm/tokenizer.TiktokenTokenizer.
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
	"claude":        "cl100k_base",
}

// TiktokenTokenizer estimates token counts for OpenAI-family models via
// tiktoken-go, falling back to cl100k_base for unrecognized models.
type TiktokenTokenizer struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
	initErr  error
}

// NewTiktokenTokenizer constructs a Tokenizer for model, matching by
// longest known prefix.
func NewTiktokenTokenizer(model string) *TiktokenTokenizer {
	encoding := "cl100k_base"
	longest := 0
	for prefix, enc := range modelEncodings {
		if len(prefix) > longest && len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			encoding = enc
			longest = len(prefix)
		}
	}
	return &TiktokenTokenizer{encoding: encoding}
}

func (t *TiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = err
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// CountMessage counts one message's tokens including role/metadata overhead.
func (t *TiktokenTokenizer) CountMessage(m types.Message) int {
	if err := t.init(); err != nil {
		return fallbackEstimate(m)
	}
	total := 4 // per-message overhead, mirrors the teacher's constant
	total += len(t.enc.Encode(m.Content, nil, nil))
	total += len(t.enc.Encode(string(m.Role), nil, nil))
	for _, tc := range m.ToolCalls {
		total += len(t.enc.Encode(tc.Name, nil, nil))
		total += len(tc.Arguments) / 4
	}
	return total
}

// CountMessages sums CountMessage over msgs plus conversation-end overhead.
func (t *TiktokenTokenizer) CountMessages(msgs []types.Message) int {
	total := 0
	for _, m := range msgs {
		total += t.CountMessage(m)
	}
	return total + 3
}

// fallbackEstimate is used only if tiktoken's encoding data failed to load
// (e.g. offline first run with no cached BPE ranks); a crude 4-chars-per-token
// heuristic keeps the Compactor functional without blocking on network I/O.
func fallbackEstimate(m types.Message) int {
	return len(m.Content)/4 + 4
}
