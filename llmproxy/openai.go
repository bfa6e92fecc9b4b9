package llmproxy

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nuwa-protocol/payment-gateway/billing"
)

// NewOpenAIProvider builds a provider for an OpenAI-compatible upstream.
// OpenRouter-style upstreams that report their own USD cost use the same wire
// format; pass supportsNativeUSDCost for those.
func NewOpenAIProvider(name, baseURL, apiKeyEnvVar string, supportsNativeUSDCost bool) *Provider {
	return &Provider{
		Name:                  name,
		BaseURL:               baseURL,
		APIKeyEnvVar:          apiKeyEnvVar,
		RequiresAPIKey:        apiKeyEnvVar != "",
		SupportsNativeUSDCost: supportsNativeUSDCost,
		AllowedPaths: []string{
			"/v1/chat/completions",
			"/v1/completions",
			"/v1/embeddings",
		},
		ExtractModel:       extractJSONModel,
		IsStream:           extractJSONStreamFlag,
		PrepareRequest:     openAIPrepareRequest,
		NewUsageExtractor:  func() UsageExtractor { return openAIUsageExtractor{} },
		NewStreamProcessor: func() StreamProcessor { return newOpenAIStreamProcessor() },
	}
}

func extractJSONModel(body []byte) string {
	var fields struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &fields); err != nil {
		return ""
	}
	return fields.Model
}

func extractJSONStreamFlag(body []byte) bool {
	var fields struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &fields); err != nil {
		return false
	}
	return fields.Stream
}

// openAIPrepareRequest forces the final usage frame onto streaming requests:
// without stream_options.include_usage the upstream never reports usage and
// the stream cannot be billed.
func openAIPrepareRequest(body []byte) ([]byte, error) {
	if !extractJSONStreamFlag(body) {
		return body, nil
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parsing request body: %w", err)
	}

	options := map[string]any{"include_usage": true}
	if raw, ok := payload["stream_options"]; ok {
		if err := json.Unmarshal(raw, &options); err != nil {
			return nil, fmt.Errorf("parsing stream_options: %w", err)
		}
		options["include_usage"] = true
	}

	encoded, err := json.Marshal(options)
	if err != nil {
		return nil, err
	}
	payload["stream_options"] = encoded
	return json.Marshal(payload)
}

type openAIUsage struct {
	PromptTokens     uint64 `json:"prompt_tokens"`
	CompletionTokens uint64 `json:"completion_tokens"`
	TotalTokens      uint64 `json:"total_tokens"`
}

type openAIUsageExtractor struct{}

func (openAIUsageExtractor) Extract(body []byte) (*ExtractedUsage, error) {
	var payload struct {
		Usage *openAIUsage `json:"usage"`
		// OpenRouter extension: native USD cost of the generation.
		Cost *float64 `json:"cost"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parsing usage from response: %w", err)
	}
	if payload.Usage == nil {
		return nil, nil
	}

	out := &ExtractedUsage{
		Usage: billing.Usage{
			PromptTokens:     payload.Usage.PromptTokens,
			CompletionTokens: payload.Usage.CompletionTokens,
			TotalTokens:      payload.Usage.TotalTokens,
		},
	}
	if payload.Cost != nil {
		out.CostUSD = decimal.NewFromFloat(*payload.Cost)
		out.HasCostUSD = true
	}
	return out, nil
}

// openAIStreamProcessor scans SSE frames for the terminal usage chunk.
type openAIStreamProcessor struct {
	lines *sseLineBuffer
	usage *ExtractedUsage
}

func newOpenAIStreamProcessor() *openAIStreamProcessor {
	return &openAIStreamProcessor{lines: newSSELineBuffer()}
}

func (p *openAIStreamProcessor) ProcessChunk(chunk []byte) {
	p.lines.Feed(chunk, p.handleData)
}

func (p *openAIStreamProcessor) handleData(data []byte) {
	if bytes.Equal(data, sseDoneMarker) {
		return
	}

	extracted, err := openAIUsageExtractor{}.Extract(data)
	if err != nil || extracted == nil {
		return
	}
	p.usage = extracted
}

func (p *openAIStreamProcessor) Finalize() *ExtractedUsage {
	p.lines.Flush(p.handleData)
	return p.usage
}
