package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// RateProvider resolves the exchange rate of a settlement asset: how many
// picoUSD one minor unit of the asset is worth. For a 6-decimal USD
// stablecoin, one minor unit is 10^-6 USD, i.e. a rate of 10^6.
type RateProvider interface {
	PicoUSDPerUnit(ctx context.Context, assetID string) (decimal.Decimal, error)
}

// FixedRateProvider serves rates from a static table. This is the default for
// stablecoin-settled deployments where the rate never moves.
type FixedRateProvider map[string]decimal.Decimal

func (p FixedRateProvider) PicoUSDPerUnit(_ context.Context, assetID string) (decimal.Decimal, error) {
	rate, ok := p[assetID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoRate, assetID)
	}
	return rate, nil
}

// HTTPRateProvider fetches rates from a JSON endpoint of the form
// {"<assetId>": "<picoUSD per unit>"} and caches them for a TTL. A stale
// cache entry is served when a refresh fails, so a flaky oracle does not take
// billing down with it.
type HTTPRateProvider struct {
	endpoint string
	client   *http.Client
	ttl      time.Duration

	mu        sync.RWMutex
	rates     map[string]decimal.Decimal
	fetchedAt time.Time
}

func NewHTTPRateProvider(endpoint string, ttl time.Duration) *HTTPRateProvider {
	return &HTTPRateProvider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		ttl:      ttl,
		rates:    make(map[string]decimal.Decimal),
	}
}

func (p *HTTPRateProvider) PicoUSDPerUnit(ctx context.Context, assetID string) (decimal.Decimal, error) {
	p.mu.RLock()
	fresh := time.Since(p.fetchedAt) < p.ttl
	rate, ok := p.rates[assetID]
	p.mu.RUnlock()

	if fresh && ok {
		return rate, nil
	}

	if err := p.refresh(ctx); err != nil {
		if ok {
			return rate, nil // stale beats missing
		}
		return decimal.Zero, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	rate, ok = p.rates[assetID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoRate, assetID)
	}
	return rate, nil
}

func (p *HTTPRateProvider) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return fmt.Errorf("building rate request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rate endpoint returned %d", resp.StatusCode)
	}

	var raw map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return fmt.Errorf("decoding rates: %w", err)
	}

	rates := make(map[string]decimal.Decimal, len(raw))
	for assetID, value := range raw {
		rate, err := decimal.NewFromString(value)
		if err != nil {
			return fmt.Errorf("invalid rate %q for %s: %w", value, assetID, err)
		}
		rates[assetID] = rate
	}

	p.mu.Lock()
	p.rates = rates
	p.fetchedAt = time.Now()
	p.mu.Unlock()
	return nil
}
