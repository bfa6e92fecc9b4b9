package llmproxy

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/nuwa-protocol/payment-gateway/billing"
)

// NewAnthropicProvider builds a provider for the Anthropic Messages API.
func NewAnthropicProvider(name, baseURL, apiKeyEnvVar string) *Provider {
	return &Provider{
		Name:           name,
		BaseURL:        baseURL,
		APIKeyEnvVar:   apiKeyEnvVar,
		RequiresAPIKey: apiKeyEnvVar != "",
		APIKeyHeader:   "x-api-key",
		AllowedPaths: []string{
			"/v1/messages",
		},
		ExtractModel:       extractJSONModel,
		IsStream:           extractJSONStreamFlag,
		NewUsageExtractor:  func() UsageExtractor { return anthropicUsageExtractor{} },
		NewStreamProcessor: func() StreamProcessor { return newAnthropicStreamProcessor() },
	}
}

type anthropicUsage struct {
	InputTokens  uint64 `json:"input_tokens"`
	OutputTokens uint64 `json:"output_tokens"`
}

func (u *anthropicUsage) toBilling() billing.Usage {
	return billing.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

type anthropicUsageExtractor struct{}

func (anthropicUsageExtractor) Extract(body []byte) (*ExtractedUsage, error) {
	var payload struct {
		Usage *anthropicUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parsing usage from response: %w", err)
	}
	if payload.Usage == nil {
		return nil, nil
	}
	return &ExtractedUsage{Usage: payload.Usage.toBilling()}, nil
}

// anthropicStreamProcessor tracks usage across the message_start and
// message_delta events: input tokens arrive up front, output tokens
// accumulate in deltas.
type anthropicStreamProcessor struct {
	lines        *sseLineBuffer
	inputTokens  uint64
	outputTokens uint64
	sawUsage     bool
}

func newAnthropicStreamProcessor() *anthropicStreamProcessor {
	return &anthropicStreamProcessor{lines: newSSELineBuffer()}
}

func (p *anthropicStreamProcessor) ProcessChunk(chunk []byte) {
	p.lines.Feed(chunk, p.handleData)
}

func (p *anthropicStreamProcessor) handleData(data []byte) {
	if bytes.Equal(data, sseDoneMarker) {
		return
	}

	var event struct {
		Type    string `json:"type"`
		Message *struct {
			Usage *anthropicUsage `json:"usage"`
		} `json:"message"`
		Usage *anthropicUsage `json:"usage"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}

	switch event.Type {
	case "message_start":
		if event.Message != nil && event.Message.Usage != nil {
			p.inputTokens = event.Message.Usage.InputTokens
			p.outputTokens = event.Message.Usage.OutputTokens
			p.sawUsage = true
		}
	case "message_delta":
		if event.Usage != nil {
			p.outputTokens = event.Usage.OutputTokens
			p.sawUsage = true
		}
	}
}

func (p *anthropicStreamProcessor) Finalize() *ExtractedUsage {
	p.lines.Flush(p.handleData)
	if !p.sawUsage {
		return nil
	}
	usage := &anthropicUsage{InputTokens: p.inputTokens, OutputTokens: p.outputTokens}
	return &ExtractedUsage{Usage: usage.toBilling()}
}
