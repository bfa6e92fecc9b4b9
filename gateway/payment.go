package gateway

import (
	"errors"
	"io"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nuwa-protocol/payment-gateway/billing"
	"github.com/nuwa-protocol/payment-gateway/llmproxy"
	"github.com/nuwa-protocol/payment-gateway/processor"
)

const payerDIDHeader = "X-Payer-Did"

// didAuth requires the caller to identify as a DID. Proof of control over the
// DID is the key resolver's concern: a forged DID cannot produce RAV
// signatures that verify.
func (g *Gateway) didAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		payerDID := c.GetHeader(payerDIDHeader)
		if payerDID == "" {
			abortPayment(c, processor.NewError(processor.CodeUnauthorized, "missing %s header", payerDIDHeader))
			return
		}
		c.Set("payer_did", payerDID)
		c.Next()
	}
}

func (g *Gateway) adminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.config.IsAdmin(c.GetString("payer_did")) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access required"})
			return
		}
		c.Next()
	}
}

// abortPayment ends the request with a payment protocol error: the error
// envelope rides the payment header and the body carries a plain JSON mirror.
func abortPayment(c *gin.Context, perr *processor.Error) {
	if value, err := processor.EncodeResponseEnvelope(processor.ErrorEnvelope(perr)); err == nil {
		c.Header(processor.HeaderName, value)
	}
	c.AbortWithStatusJSON(perr.Code.HTTPStatus(), gin.H{
		"error_code": int(perr.Code),
		"error":      perr.Message,
	})
}

// handleProxy is the paid LLM surface: settle the previous proposal, forward
// upstream, bill the usage, emit the next proposal.
func (g *Gateway) handleProxy(c *gin.Context) {
	provider, err := g.providers.Get(c.Param("provider"))
	if err != nil {
		abortPayment(c, processor.NewError(processor.CodeUnknownProvider, "unknown provider %s", c.Param("provider")))
		return
	}
	path := c.Param("path")
	if !provider.AllowsPath(path) {
		abortPayment(c, processor.NewError(processor.CodeUnknownProvider, "provider %s does not expose %s", provider.Name, path))
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		abortPayment(c, processor.NewError(processor.CodeInternalError, "reading request body failed"))
		return
	}

	settlement, err := g.processor.Settle(c.Request.Context(), c.GetHeader(processor.HeaderName), c.GetString("payer_did"))
	if err != nil {
		abortPayment(c, processor.AsError(err))
		return
	}

	var model string
	if provider.ExtractModel != nil {
		model = provider.ExtractModel(body)
	}
	if model != "" && !g.billing.Registry().Supports(model) && !provider.SupportsNativeUSDCost {
		abortPayment(c, processor.NewError(processor.CodeModelNotSupported, "model %s is not priced", model))
		return
	}

	if provider.PrepareRequest != nil {
		body, err = provider.PrepareRequest(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	operation := c.Request.Method + ":" + c.Request.URL.Path
	if provider.IsStream != nil && provider.IsStream(body) {
		g.proxyStream(c, provider, path, body, settlement, operation, model)
		return
	}
	g.proxyPlain(c, provider, path, body, settlement, operation, model)
}

func (g *Gateway) proxyPlain(c *gin.Context, provider *llmproxy.Provider, path string, body []byte, settlement *processor.Settlement, operation, model string) {
	result, err := g.proxy.Do(c.Request.Context(), provider, c.Request.Method, path, c.Request.Header, body)
	if err != nil {
		abortPayment(c, processor.NewError(processor.CodeUpstreamUnavailable, "upstream request failed"))
		return
	}

	if result.StatusCode != http.StatusOK {
		// Upstream errors cost nothing and issue no proposal; the structured
		// error body passes through untouched.
		c.Data(result.StatusCode, result.Header.Get("Content-Type"), result.Body)
		return
	}

	envelope, perr := g.bill(c, settlement, operation, model, result.Usage)
	if perr != nil {
		abortPayment(c, perr)
		return
	}
	if value, err := processor.EncodeResponseEnvelope(envelope); err == nil {
		c.Header(processor.HeaderName, value)
	}
	c.Data(http.StatusOK, result.Header.Get("Content-Type"), result.Body)
}

func (g *Gateway) proxyStream(c *gin.Context, provider *llmproxy.Provider, path string, body []byte, settlement *processor.Settlement, operation, model string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	result, err := g.proxy.DoStream(c.Request.Context(), provider, c.Request.Method, path, c.Request.Header, body, c.Writer)
	if err != nil {
		// Nothing was written to the client yet; fail with a proper status.
		abortPayment(c, processor.NewError(processor.CodeUpstreamUnavailable, "upstream stream failed"))
		return
	}

	// The stream is committed: usage and cost are published to the request
	// scope first, then the payment frame closes the exchange in-band.
	envelope, perr := g.bill(c, settlement, operation, model, result.Usage)
	if perr != nil {
		g.logger.Warn("billing stream failed", zap.String("operation", operation), zap.Error(perr))
		envelope = processor.ErrorEnvelope(perr)
	}
	if result.TimedOut {
		g.logger.Warn("stream ended by watchdog", zap.String("operation", operation))
	}
	c.Set("upstream_request_id", result.UpstreamRequestID)
	c.Set("stream_bytes", result.Bytes)

	if value, err := processor.EncodeResponseEnvelope(envelope); err == nil {
		c.Writer.WriteString("event: payment\ndata: " + value + "\n\n")
		c.Writer.Flush()
	}
}

// bill prices the finished request and emits the next proposal. A stream that
// never reported usage costs nothing, and free requests issue no proposal.
func (g *Gateway) bill(c *gin.Context, settlement *processor.Settlement, operation, model string, usage *llmproxy.ExtractedUsage) (*processor.ResponseEnvelope, *processor.Error) {
	if settlement.Handshake && settlement.First {
		// Opening a sub-channel costs nothing and proposes nothing; billing
		// starts when the client re-submits the handshake with real work.
		return &processor.ResponseEnvelope{AmountDebited: "0"}, nil
	}

	bctx := &billing.Context{
		ServiceID: g.config.ServiceID,
		Operation: operation,
		AssetID:   g.config.DefaultAssetID,
		Model:     model,
	}
	if usage != nil {
		bctx.Usage = &usage.Usage
		if usage.HasCostUSD {
			bctx.ProviderCostUSD = usage.CostUSD
			bctx.HasProviderCost = true
		}
	} else if model != "" {
		// An LLM call with no usage frame (aborted stream, upstream quirk)
		// is not billable; charging the flat default would overbill.
		return g.propose(settlement, nil)
	}

	cost, err := g.billing.CalcCost(c.Request.Context(), bctx)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrModelNotSupported):
			return nil, processor.NewError(processor.CodeModelNotSupported, "model %s is not priced", model)
		case errors.Is(err, billing.ErrMissingAssetID):
			return nil, processor.NewError(processor.CodeMissingAssetID, "no asset configured for billing")
		default:
			g.logger.Error("cost calculation failed", zap.String("operation", operation), zap.Error(err))
			return nil, processor.NewError(processor.CodePaymentProcessingFailed, "cost calculation failed")
		}
	}

	c.Set("billing_cost", cost.String())
	if bctx.Usage != nil {
		c.Set("billing_usage", *bctx.Usage)
	}
	return g.propose(settlement, cost)
}

func (g *Gateway) propose(settlement *processor.Settlement, cost *big.Int) (*processor.ResponseEnvelope, *processor.Error) {
	envelope, err := g.processor.Propose(settlement.Signed.SubRAV, cost)
	if err != nil {
		return nil, processor.AsError(err)
	}
	return envelope, nil
}
