package billing

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	ErrModelNotSupported = errors.New("model not present in pricing registry")
	ErrMissingAssetID    = errors.New("billing context has no asset id")
	ErrNoRate            = errors.New("no exchange rate for asset")
)

// PicoUSDPerUSD is the fixed-point scale used for USD-denominated prices:
// 1 USD = 10^12 picoUSD. The scale leaves room for sub-cent per-token prices
// without fractional arithmetic on the wire.
var PicoUSDPerUSD = decimal.New(1, 12)

const tokensPerPriceUnit = 1_000_000

// Usage is the token accounting extracted from an upstream response.
type Usage struct {
	PromptTokens     uint64
	CompletionTokens uint64
	TotalTokens      uint64
}

// Context carries everything the engine needs to price one request.
type Context struct {
	ServiceID string
	// Operation is "METHOD:path", e.g. "POST:/openai/v1/chat/completions".
	Operation string
	AssetID   string
	Model     string
	Usage     *Usage

	// ProviderCostUSD is set when the upstream reports its own USD cost; it
	// takes precedence over the token table when HasProviderCost is true.
	ProviderCostUSD decimal.Decimal
	HasProviderCost bool
}

// ModelPrice is the per-token price of one model, in picoUSD per million
// tokens, split by direction.
type ModelPrice struct {
	PromptPicoUSD     decimal.Decimal
	CompletionPicoUSD decimal.Decimal
}

// Registry maps model names to their token prices.
type Registry struct {
	models map[string]ModelPrice
}

func NewRegistry() *Registry {
	return &Registry{models: make(map[string]ModelPrice)}
}

// Register adds or replaces the price entry for a model.
func (r *Registry) Register(model string, price ModelPrice) {
	r.models[model] = price
}

// Lookup returns the price entry for a model.
func (r *Registry) Lookup(model string) (ModelPrice, bool) {
	price, ok := r.models[model]
	return price, ok
}

// Supports reports whether the model has a price entry.
func (r *Registry) Supports(model string) bool {
	_, ok := r.models[model]
	return ok
}

// Models returns the registered model names.
func (r *Registry) Models() []string {
	out := make([]string, 0, len(r.models))
	for model := range r.models {
		out = append(out, model)
	}
	return out
}

// Engine computes per-request cost in asset minor units. Pricing is
// USD-native internally (picoUSD) and converted through the RateProvider at
// the end.
type Engine struct {
	registry *Registry
	rates    RateProvider

	// defaultPricePicoUSD applies to operations with neither usage nor a
	// native provider cost, e.g. flat-priced tool endpoints. Zero means free.
	defaultPricePicoUSD decimal.Decimal

	// freeOperations are exempt from billing entirely.
	freeOperations map[string]struct{}
}

func NewEngine(registry *Registry, rates RateProvider, defaultPricePicoUSD decimal.Decimal) *Engine {
	return &Engine{
		registry:            registry,
		rates:               rates,
		defaultPricePicoUSD: defaultPricePicoUSD,
		freeOperations:      make(map[string]struct{}),
	}
}

// MarkFree exempts an operation ("METHOD:path") from billing.
func (e *Engine) MarkFree(operation string) {
	e.freeOperations[operation] = struct{}{}
}

// Registry exposes the model registry, e.g. for pre-flight model validation.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// CalcCost prices one request. The result is in asset minor units and may be
// zero for free endpoints. Order of precedence: free operation, provider
// native USD cost, token table, flat default.
func (e *Engine) CalcCost(ctx context.Context, bctx *Context) (*big.Int, error) {
	if _, free := e.freeOperations[bctx.Operation]; free {
		return new(big.Int), nil
	}

	costPicoUSD, err := e.costPicoUSD(bctx)
	if err != nil {
		return nil, err
	}
	if costPicoUSD.IsZero() {
		return new(big.Int), nil
	}

	if bctx.AssetID == "" {
		return nil, ErrMissingAssetID
	}

	rate, err := e.rates.PicoUSDPerUnit(ctx, bctx.AssetID)
	if err != nil {
		return nil, fmt.Errorf("resolving rate for %s: %w", bctx.AssetID, err)
	}
	if rate.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRate, bctx.AssetID)
	}

	// Round up: fractional minor units are charged in full.
	units := costPicoUSD.Div(rate).Ceil()
	return units.BigInt(), nil
}

func (e *Engine) costPicoUSD(bctx *Context) (decimal.Decimal, error) {
	if bctx.HasProviderCost {
		return bctx.ProviderCostUSD.Mul(PicoUSDPerUSD), nil
	}

	if bctx.Usage != nil && bctx.Model != "" {
		price, ok := e.registry.Lookup(bctx.Model)
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrModelNotSupported, bctx.Model)
		}
		prompt := decimal.NewFromUint64(bctx.Usage.PromptTokens).
			Mul(price.PromptPicoUSD).
			Div(decimal.NewFromInt(tokensPerPriceUnit))
		completion := decimal.NewFromUint64(bctx.Usage.CompletionTokens).
			Mul(price.CompletionPicoUSD).
			Div(decimal.NewFromInt(tokensPerPriceUnit))
		return prompt.Add(completion), nil
	}

	return e.defaultPricePicoUSD, nil
}
