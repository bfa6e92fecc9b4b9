package llmproxy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIUsageExtractor(t *testing.T) {
	extracted, err := openAIUsageExtractor{}.Extract([]byte(`{
		"id": "chatcmpl-1",
		"usage": {"prompt_tokens": 12, "completion_tokens": 34, "total_tokens": 46}
	}`))
	require.NoError(t, err)
	require.NotNil(t, extracted)
	assert.Equal(t, uint64(12), extracted.Usage.PromptTokens)
	assert.Equal(t, uint64(34), extracted.Usage.CompletionTokens)
	assert.Equal(t, uint64(46), extracted.Usage.TotalTokens)
	assert.False(t, extracted.HasCostUSD)
}

func TestOpenAIUsageExtractorNativeCost(t *testing.T) {
	extracted, err := openAIUsageExtractor{}.Extract([]byte(`{
		"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
		"cost": 0.0035
	}`))
	require.NoError(t, err)
	require.NotNil(t, extracted)
	require.True(t, extracted.HasCostUSD)
	assert.Equal(t, "0.0035", extracted.CostUSD.String())
}

func TestOpenAIUsageExtractorNoUsage(t *testing.T) {
	extracted, err := openAIUsageExtractor{}.Extract([]byte(`{"id": "chatcmpl-1"}`))
	require.NoError(t, err)
	assert.Nil(t, extracted)
}

func TestOpenAIStreamProcessor(t *testing.T) {
	processor := newOpenAIStreamProcessor()

	// Content deltas carry no usage; the terminal frame does. Chunk
	// boundaries deliberately split frames mid-line.
	chunks := []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"hel",
		"lo\"}}]}\n\ndata: {\"choices\":[],\"usage\":{\"prompt_tokens\":7,",
		"\"completion_tokens\":3,\"total_tokens\":10}}\n\ndata: [DONE]\n\n",
	}
	for _, chunk := range chunks {
		processor.ProcessChunk([]byte(chunk))
	}

	usage := processor.Finalize()
	require.NotNil(t, usage)
	assert.Equal(t, uint64(7), usage.Usage.PromptTokens)
	assert.Equal(t, uint64(3), usage.Usage.CompletionTokens)
	assert.Equal(t, uint64(10), usage.Usage.TotalTokens)
}

func TestOpenAIStreamProcessorNoUsageFrame(t *testing.T) {
	processor := newOpenAIStreamProcessor()
	processor.ProcessChunk([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\ndata: [DONE]\n\n"))
	assert.Nil(t, processor.Finalize())
}

func TestOpenAIPrepareRequestInjectsIncludeUsage(t *testing.T) {
	body, err := openAIPrepareRequest([]byte(`{"model":"gpt-4o","stream":true,"messages":[]}`))
	require.NoError(t, err)

	var payload struct {
		StreamOptions struct {
			IncludeUsage bool `json:"include_usage"`
		} `json:"stream_options"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.True(t, payload.StreamOptions.IncludeUsage)
}

func TestOpenAIPrepareRequestPreservesStreamOptions(t *testing.T) {
	body, err := openAIPrepareRequest([]byte(`{"model":"gpt-4o","stream":true,"stream_options":{"other":"keep"}}`))
	require.NoError(t, err)

	var payload struct {
		StreamOptions map[string]any `json:"stream_options"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, true, payload.StreamOptions["include_usage"])
	assert.Equal(t, "keep", payload.StreamOptions["other"])
}

func TestOpenAIPrepareRequestNonStreamingUntouched(t *testing.T) {
	in := []byte(`{"model":"gpt-4o","messages":[]}`)
	out, err := openAIPrepareRequest(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestExtractJSONModel(t *testing.T) {
	assert.Equal(t, "gpt-4o", extractJSONModel([]byte(`{"model":"gpt-4o"}`)))
	assert.Equal(t, "", extractJSONModel([]byte(`not json`)))
}

func TestExtractJSONStreamFlag(t *testing.T) {
	assert.True(t, extractJSONStreamFlag([]byte(`{"stream":true}`)))
	assert.False(t, extractJSONStreamFlag([]byte(`{"stream":false}`)))
	assert.False(t, extractJSONStreamFlag([]byte(`{}`)))
}
