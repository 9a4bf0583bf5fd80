// Package anthropic adapts Anthropic's Messages API to the Core's
// executor.Caller contract. Message conversion and tool-call round-tripping
// follow the shape of the teacher's llm.AnthropicProvider/convertMessages,
// collapsed from its streaming callback interface to the single
// request/response call the Executor drives.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/relaycore/llmcore/core/classify"
	"github.com/relaycore/llmcore/core/types"
	"github.com/relaycore/llmcore/internal/tlsutil"
)

// Provider calls the Anthropic Messages API for every endpoint whose
// ProviderID it is registered under. One Provider instance is shared across
// every model declared for "anthropic" in the configured endpoint catalog;
// the model and max-tokens ceiling travel with each call's types.Endpoint,
// not with the Provider itself.
type Provider struct {
	client *anthropic.Client
	logger *zap.Logger

	lastClass classify.Class
}

// Config configures a new Provider.
type Config struct {
	APIKey  string
	BaseURL string // non-empty for Anthropic-compatible APIs
	Logger  *zap.Logger
	// MaxConns bounds this provider's connection pool at the transport
	// layer. Zero leaves it unbounded.
	MaxConns int
	// Timeout bounds one whole request; zero means 5 minutes, generous
	// enough for long completions while still reclaiming wedged sockets.
	Timeout time.Duration
}

// New constructs a Provider bound to one credential/base URL pair.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key not configured")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(tlsutil.ProviderHTTPClient(cfg.Timeout, tlsutil.TransportOptions{MaxConnsPerHost: cfg.MaxConns})),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	return &Provider{client: &client, logger: logger}, nil
}

// LastClass implements the Executor's optional classifyingCaller interface:
// Call always records the classification of its own most recent failure
// here before returning, so the Executor never has to re-derive it from a
// bare error.
func (p *Provider) LastClass() classify.Class { return p.lastClass }

// Probe implements the health checker's liveness probe with the cheapest
// authenticated call the API offers. A failure here means the provider is
// unreachable or the credential is dead, not that any model is out of
// capacity.
func (p *Provider) Probe(ctx context.Context, _ types.Endpoint) error {
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{})
	return err
}

// Call implements executor.Caller. payload must be []types.Message.
func (p *Provider) Call(ctx context.Context, endpoint types.Endpoint, payload any) (types.Response, error) {
	p.lastClass = classify.None

	messages, ok := payload.([]types.Message)
	if !ok {
		p.lastClass = classify.Fatal
		return types.Response{}, fmt.Errorf("anthropic: unsupported payload type %T", payload)
	}

	system, converted := convertMessages(messages)

	maxTokens := endpoint.OutputCeiling
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(endpoint.ModelID),
		MaxTokens: maxTokens,
		Messages:  converted,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		p.lastClass = classifyErr(err)
		p.logger.Warn("anthropic call failed",
			zap.String("endpoint", endpoint.ID()),
			zap.String("class", p.lastClass.String()),
			zap.Error(err),
		)
		return types.Response{}, err
	}

	resp := types.Response{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
		Headers:      map[string]string{},
	}

	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content += variant.Text
		case anthropic.ToolUseBlock:
			input, merr := json.Marshal(variant.Input)
			if merr != nil {
				input = json.RawMessage("{}")
			}
			resp.ToolCalls = append(resp.ToolCalls, types.ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: input,
			})
		}
	}

	if msg.StopReason == anthropic.StopReasonRefusal {
		p.lastClass = classify.Format
	}

	return resp, nil
}

// classifyErr turns an anthropic-sdk-go error into a Failure
// Classification. The SDK surfaces HTTP-layer failures as *anthropic.Error
// carrying the response status; anything else (context cancellation,
// dial/DNS failure) falls through to classify.FromError.
func classifyErr(err error) classify.Class {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return classify.FromHTTP(apiErr.StatusCode, apiErr.RawJSON())
	}
	return classify.FromError(err)
}

// convertMessages splits out the system prompt (Anthropic takes it as a
// top-level field, not a message) and converts the remaining turns,
// including tool-call and tool-result round-tripping, into
// anthropic.MessageParam. Orphaned tool results (no matching tool_use in
// the immediately preceding assistant turn) are dropped rather than sent,
// since the API rejects them outright.
func convertMessages(messages []types.Message) (system string, out []anthropic.MessageParam) {
	pendingToolUse := make(map[string]bool)

	for _, m := range messages {
		switch m.Role {
		case types.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content

		case types.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))

		case types.RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if len(tc.Arguments) > 0 {
					_ = json.Unmarshal(tc.Arguments, &input)
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: input,
					},
				})
				pendingToolUse[tc.ID] = true
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}

		case types.RoleTool:
			if !pendingToolUse[m.ToolCallID] {
				continue
			}
			delete(pendingToolUse, m.ToolCallID)
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		}
	}
	return system, out
}
