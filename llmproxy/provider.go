package llmproxy

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/nuwa-protocol/payment-gateway/billing"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrPathNotAllowed  = errors.New("path not allowed for provider")
	ErrMissingAPIKey   = errors.New("provider api key not configured")
)

// ExtractedUsage is the billing-relevant accounting pulled out of an upstream
// response body or stream.
type ExtractedUsage struct {
	Usage billing.Usage

	// CostUSD is set for providers that report their own USD cost
	// (HasCostUSD guards it); it takes precedence over the token table.
	CostUSD    decimal.Decimal
	HasCostUSD bool
}

// UsageExtractor pulls usage out of a complete (non-streaming) response body.
// A nil result means the body carried no usage object.
type UsageExtractor interface {
	Extract(body []byte) (*ExtractedUsage, error)
}

// StreamProcessor accumulates usage from a streaming response, fed chunk by
// chunk as bytes arrive from upstream. Finalize returns the usage observed so
// far; nil means the stream never emitted a usage frame.
type StreamProcessor interface {
	ProcessChunk(chunk []byte)
	Finalize() *ExtractedUsage
}

// Provider describes one LLM upstream and its capability surface. Optional
// capabilities are nil funcs; the proxy and gateway check before calling.
type Provider struct {
	Name    string
	BaseURL string

	// APIKeyEnvVar names the environment variable holding the upstream key;
	// resolved once at registration when RequiresAPIKey is set.
	APIKeyEnvVar   string
	RequiresAPIKey bool

	// APIKeyHeader overrides the default "Authorization: Bearer" scheme, e.g.
	// "x-api-key" for Anthropic.
	APIKeyHeader string

	// SupportsNativeUSDCost relaxes model validation: requests for models
	// absent from the pricing registry are still billable.
	SupportsNativeUSDCost bool

	// AllowedPaths is the set of upstream path prefixes the gateway exposes.
	AllowedPaths []string

	// ExtractModel pulls the model name out of the request body.
	ExtractModel func(body []byte) string

	// IsStream reports whether the request asks for a streaming response.
	IsStream func(body []byte) bool

	// PrepareRequest may rewrite the request body before forwarding, e.g. to
	// force usage frames onto streams.
	PrepareRequest func(body []byte) ([]byte, error)

	NewUsageExtractor  func() UsageExtractor
	NewStreamProcessor func() StreamProcessor

	apiKey string
}

// AllowsPath reports whether the upstream path is exposed by this provider.
func (p *Provider) AllowsPath(path string) bool {
	for _, allowed := range p.AllowedPaths {
		if strings.HasPrefix(path, allowed) {
			return true
		}
	}
	return false
}

// Authorize sets upstream credentials on an outgoing request.
func (p *Provider) Authorize(req *http.Request) {
	if p.apiKey == "" {
		return
	}
	if p.APIKeyHeader != "" {
		req.Header.Set(p.APIKeyHeader, p.apiKey)
		return
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
}

// Manager is the process-wide provider registry, populated at startup.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]*Provider
}

func NewManager() *Manager {
	return &Manager{providers: make(map[string]*Provider)}
}

// Register adds a provider, resolving its API key from the environment. A
// required key that is absent fails registration rather than the first
// request.
func (m *Manager) Register(provider *Provider) error {
	if provider.APIKeyEnvVar != "" {
		provider.apiKey = os.Getenv(provider.APIKeyEnvVar)
	}
	if provider.RequiresAPIKey && provider.apiKey == "" {
		return fmt.Errorf("%w: provider %s expects %s", ErrMissingAPIKey, provider.Name, provider.APIKeyEnvVar)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[provider.Name] = provider
	return nil
}

// Get returns the provider registered under name.
func (m *Manager) Get(name string) (*Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	provider, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return provider, nil
}

// Names returns the registered provider names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.providers))
	for name := range m.providers {
		out = append(out, name)
	}
	return out
}
