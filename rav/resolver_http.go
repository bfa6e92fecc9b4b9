package rav

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/streamingfast/eth-go"
)

// HTTPKeyResolver fronts an external DID resolver service over HTTP, caching
// resolved keys for a TTL. Key rotation is rare; a short cache keeps the
// verifier off the request path's critical latency.
type HTTPKeyResolver struct {
	endpoint string
	client   *http.Client
	ttl      time.Duration

	mu    sync.RWMutex
	cache map[string]cachedKey
}

type cachedKey struct {
	address   eth.Address
	expiresAt time.Time
}

var _ KeyResolver = (*HTTPKeyResolver)(nil)

func NewHTTPKeyResolver(endpoint string, ttl time.Duration) *HTTPKeyResolver {
	return &HTTPKeyResolver{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		ttl:      ttl,
		cache:    make(map[string]cachedKey),
	}
}

func (r *HTTPKeyResolver) Resolve(ctx context.Context, payerDID, vmIDFragment string) (eth.Address, error) {
	cacheKey := payerDID + "#" + vmIDFragment

	r.mu.RLock()
	entry, ok := r.cache[cacheKey]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.address, nil
	}

	query := url.Values{"did": {payerDID}, "fragment": {vmIDFragment}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building resolver request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling resolver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolver answered %d for %s", resp.StatusCode, cacheKey)
	}

	var payload struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("parsing resolver response: %w", err)
	}
	address, err := eth.NewAddress(payload.Address)
	if err != nil {
		return nil, fmt.Errorf("resolver returned invalid address %q: %w", payload.Address, err)
	}

	r.mu.Lock()
	r.cache[cacheKey] = cachedKey{address: address, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return address, nil
}
