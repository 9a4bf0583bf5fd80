// Package compactor implements the Context Compactor (C7): shrinking a
// message history to a provider-specific token budget while preserving the
// most recent exchanges and dropping orphaned tool-call/tool-result pairs.
// The token-estimation plumbing is adapted from the teacher's
// llm/tokenizer.TiktokenTokenizer; the tool-call/tool-result pairing logic
// is new — the teacher's llm/context.DefaultContextManager has no
// equivalent, so this is built from the spec's §4.7 description directly.
package compactor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/relaycore/llmcore/core/types"
)

// ProviderClass names one of the budget tiers in §4.7's table.
type ProviderClass string

const (
	Aggressive  ProviderClass = "aggressive"
	Balanced    ProviderClass = "balanced"
	Maintenance ProviderClass = "maintenance"
)

// Budget is one row of the §4.7 table. Configuration the implementation
// must accept, never bake in.
type Budget struct {
	TriggerFraction float64
	MaxInput        int
	TargetInput     int
	MaxExchanges    int
}

// DefaultBudgets mirrors the illustrative defaults in §4.7.
func DefaultBudgets() map[ProviderClass]Budget {
	return map[ProviderClass]Budget{
		Aggressive:  {TriggerFraction: 0.20, MaxInput: 50_000, TargetInput: 8_000, MaxExchanges: 3},
		Balanced:    {TriggerFraction: 0.50, MaxInput: 100_000, TargetInput: 40_000, MaxExchanges: 8},
		Maintenance: {TriggerFraction: 0.70, MaxInput: 180_000, TargetInput: 100_000, MaxExchanges: 12},
	}
}

// Tokenizer estimates token counts; TiktokenTokenizer is the implementation
// wrapping tiktoken-go for OpenAI-family models.
type Tokenizer interface {
	CountMessage(m types.Message) int
	CountMessages(msgs []types.Message) int
}

// Summarizer optionally condenses a dropped prefix into a system message.
// Implementations route the call through the Router under workload
// Librarian and mark that sub-request with NoRecursiveCompact so the
// summarization call is never itself compacted (§4.7, §9).
type Summarizer interface {
	Summarize(ctx context.Context, dropped []types.Message) (types.Message, error)
}

// Compactor is the Context Compactor's contract.
type Compactor interface {
	// Compact returns a possibly-shrunk history and the number of tokens
	// saved. If the history's estimated tokens are below the class's
	// TriggerFraction × MaxInput it is returned unchanged and tokensSaved
	// is 0. ctx bounds the optional
	// summarization sub-request; without a Summarizer configured, Compact
	// never suspends.
	Compact(ctx context.Context, history []types.Message, class ProviderClass) (newHistory []types.Message, tokensSaved int, err error)
}

type compactor struct {
	tokenizer  Tokenizer
	budgets    map[ProviderClass]Budget
	summarizer Summarizer
	logger     *zap.Logger
}

// Option configures a Compactor at construction time.
type Option func(*compactor)

// WithBudgets overrides DefaultBudgets.
func WithBudgets(b map[ProviderClass]Budget) Option {
	return func(c *compactor) { c.budgets = b }
}

// WithSummarizer attaches an optional summarization delegate.
func WithSummarizer(s Summarizer) Option {
	return func(c *compactor) { c.summarizer = s }
}

// New constructs a Compactor.
func New(tokenizer Tokenizer, logger *zap.Logger, opts ...Option) Compactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &compactor{tokenizer: tokenizer, budgets: DefaultBudgets(), logger: logger}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *compactor) Compact(ctx context.Context, history []types.Message, class ProviderClass) ([]types.Message, int, error) {
	budget, ok := c.budgets[class]
	if !ok {
		return nil, 0, fmt.Errorf("compactor: unknown provider class %q", class)
	}

	currentTokens := c.tokenizer.CountMessages(history)
	if float64(currentTokens) < budget.TriggerFraction*float64(budget.MaxInput) {
		return history, 0, nil
	}

	result, dropped := buildCompacted(history, budget.MaxExchanges)

	if c.summarizer != nil && len(dropped) > 0 {
		summary, err := c.summarizer.Summarize(ctx, dropped)
		if err != nil {
			// The compacted history is valid without the summary; losing the
			// condensed prefix beats failing the request it was trimmed for.
			c.logger.Warn("prefix summarization failed", zap.Error(err))
		} else if summary.Content != "" {
			result = insertAfterSystem(result, summary)
		}
	}

	newTokens := c.tokenizer.CountMessages(result)

	c.logger.Info("compacted history",
		zap.String("class", string(class)),
		zap.Int("before_tokens", currentTokens),
		zap.Int("after_tokens", newTokens),
		zap.Int("before_messages", len(history)),
		zap.Int("after_messages", len(result)),
	)

	return result, currentTokens - newTokens, nil
}

// buildCompacted implements §4.7's retention rule: (i) the system
// preamble, (ii) the most recent maxExchanges user/assistant turns in
// order, (iii) any tool-call turn whose tool-result turn is also retained.
// Orphan tool-results (whose matching tool-call was evicted) are dropped,
// detected by correlating ToolCall IDs across turns — this is invariant 6
// and scenario S6. The evicted non-system prefix is returned separately
// for optional summarization.
func buildCompacted(history []types.Message, maxExchanges int) (result, dropped []types.Message) {
	var system []types.Message
	var rest []types.Message
	for _, m := range history {
		if m.Role == types.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	// Walk from the tail. One exchange is one user turn plus whatever
	// assistant/tool turns follow it, so the counter advances on RoleUser
	// only — walking backward, that's the turn that *completes* an
	// exchange already accumulated in kept. Per S6: max_exchanges=1 against
	// [...user2, assistant-toolcall(t2), toolresult(t2)] retains all three,
	// not just the trailing assistant/tool pair.
	kept := make([]types.Message, 0, len(rest))
	exchanges := 0
	cut := len(rest)
	for i := len(rest) - 1; i >= 0 && exchanges < maxExchanges; i-- {
		m := rest[i]
		kept = append([]types.Message{m}, kept...)
		cut = i
		if m.Role == types.RoleUser {
			exchanges++
		}
	}
	dropped = rest[:cut]

	kept = dropOrphanToolResults(kept)

	return append(append([]types.Message{}, system...), kept...), dropped
}

// insertAfterSystem places the prefix summary directly after the system
// preamble, keeping the retained tail untouched.
func insertAfterSystem(msgs []types.Message, summary types.Message) []types.Message {
	i := 0
	for i < len(msgs) && msgs[i].Role == types.RoleSystem {
		i++
	}
	out := make([]types.Message, 0, len(msgs)+1)
	out = append(out, msgs[:i]...)
	out = append(out, summary)
	return append(out, msgs[i:]...)
}

// dropOrphanToolResults removes any RoleTool turn whose ToolCallID does not
// match an assistant ToolCall present in the same slice, and — symmetrically
// — any assistant tool-call whose result was evicted, since a pending call
// with no result is equally unusable context. The pair is dropped together.
func dropOrphanToolResults(msgs []types.Message) []types.Message {
	toolCallIDs := make(map[string]bool)
	toolResultIDs := make(map[string]bool)
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			toolCallIDs[tc.ID] = true
		}
		if m.Role == types.RoleTool && m.ToolCallID != "" {
			toolResultIDs[m.ToolCallID] = true
		}
	}

	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == types.RoleTool {
			if !toolCallIDs[m.ToolCallID] {
				continue // orphan result: matching call was evicted
			}
			out = append(out, m)
			continue
		}
		if len(m.ToolCalls) > 0 {
			kept := m.ToolCalls[:0:0]
			for _, tc := range m.ToolCalls {
				if toolResultIDs[tc.ID] {
					kept = append(kept, tc)
				}
			}
			if len(kept) == 0 && m.Content == "" {
				continue // pure tool-call turn with every call orphaned
			}
			m.ToolCalls = kept
		}
		out = append(out, m)
	}
	return out
}
