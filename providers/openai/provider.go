// Package openai adapts the OpenAI Chat Completions API to the Core's
// executor.Caller contract. Structured the same way as providers/anthropic:
// one Provider per credential, endpoint-driven model/ceiling, failures
// classified into classify.Class before they ever reach the Executor.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	"github.com/relaycore/llmcore/core/classify"
	"github.com/relaycore/llmcore/core/types"
	"github.com/relaycore/llmcore/internal/tlsutil"
)

// Provider calls the OpenAI Chat Completions API for every endpoint whose
// ProviderID it is registered under.
type Provider struct {
	client openai.Client
	logger *zap.Logger

	lastClass classify.Class
}

// Config configures a new Provider.
type Config struct {
	APIKey  string
	BaseURL string // non-empty for OpenAI-compatible gateways (Azure, vLLM, ...)
	Logger  *zap.Logger
	// MaxConns bounds this provider's connection pool at the transport
	// layer. Zero leaves it unbounded.
	MaxConns int
	// Timeout bounds one whole request; zero means 5 minutes.
	Timeout time.Duration
}

// New constructs a Provider bound to one credential/base URL pair.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key not configured")
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

	return &Provider{client: openai.NewClient(opts...), logger: logger}, nil
}

// LastClass implements the Executor's optional classifyingCaller interface.
func (p *Provider) LastClass() classify.Class { return p.lastClass }

// Probe implements the health checker's liveness probe with the cheapest
// authenticated call the API offers.
func (p *Provider) Probe(ctx context.Context, _ types.Endpoint) error {
	_, err := p.client.Models.List(ctx)
	return err
}

// Call implements executor.Caller. payload must be []types.Message.
func (p *Provider) Call(ctx context.Context, endpoint types.Endpoint, payload any) (types.Response, error) {
	p.lastClass = classify.None

	messages, ok := payload.([]types.Message)
	if !ok {
		p.lastClass = classify.Fatal
		return types.Response{}, fmt.Errorf("openai: unsupported payload type %T", payload)
	}

	params := openai.ChatCompletionNewParams{
		Model:    endpoint.ModelID,
		Messages: convertMessages(messages),
	}
	if endpoint.OutputCeiling > 0 {
		params.MaxCompletionTokens = openai.Int(endpoint.OutputCeiling)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		p.lastClass = classifyErr(err)
		p.logger.Warn("openai call failed",
			zap.String("endpoint", endpoint.ID()),
			zap.String("class", p.lastClass.String()),
			zap.Error(err),
		)
		return types.Response{}, err
	}

	resp := types.Response{Headers: map[string]string{}}
	resp.InputTokens = completion.Usage.PromptTokens
	resp.OutputTokens = completion.Usage.CompletionTokens

	if len(completion.Choices) == 0 {
		p.lastClass = classify.Format
		return types.Response{}, errors.New("openai: response carried no choices")
	}
	choice := completion.Choices[0]
	resp.Content = choice.Message.Content

	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}

	if choice.FinishReason == "content_filter" {
		p.lastClass = classify.Format
	}

	return resp, nil
}

// classifyErr turns an openai-go error into a Failure Classification. The
// SDK surfaces HTTP-layer failures as *openai.Error carrying the response
// status code and raw body; anything else falls back to classify.FromError.
func classifyErr(err error) classify.Class {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classify.FromHTTP(apiErr.StatusCode, apiErr.RawJSON())
	}
	return classify.FromError(err)
}

// convertMessages flattens a chat history into Chat Completions message
// params, round-tripping tool calls and their results by ID the same way
// providers/anthropic does for the Messages API's content blocks.
func convertMessages(messages []types.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case types.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case types.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case types.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallUnionParam, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: string(tc.Arguments),
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content:   openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(m.Content)},
					ToolCalls: calls,
				},
			})
		case types.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}
