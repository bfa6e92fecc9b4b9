package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nuwa-protocol/payment-gateway/claims"
)

func (g *Gateway) handleAdminClaims(c *gin.Context) {
	metrics := claims.Metrics{}
	if g.scheduler != nil {
		metrics = g.scheduler.Metrics()
	}
	c.JSON(http.StatusOK, gin.H{
		"active":                metrics.Active,
		"queued":                metrics.Queued,
		"success_count":         metrics.SuccessCount,
		"failed_count":          metrics.FailedCount,
		"backoff_count":         metrics.BackoffCount,
		"avg_processing_ms":     metrics.AvgProcessingTime.Milliseconds(),
		"settlement_enabled":    g.scheduler != nil,
		"min_claim_amount":      g.config.Claim.MinClaimAmount,
		"max_concurrent_claims": g.config.Claim.MaxConcurrentClaims,
	})
}

func (g *Gateway) handleAdminPending(c *gin.Context) {
	stats := g.pending.Stats()
	out := gin.H{"count": stats.Count}
	if !stats.Oldest.IsZero() {
		out["oldest"] = stats.Oldest
	}
	c.JSON(http.StatusOK, out)
}

func (g *Gateway) handleAdminChannel(c *gin.Context) {
	channelID := c.Param("id")

	out := gin.H{"channel_id": channelID}
	if meta := g.state.ChannelMetadata(channelID); meta != nil {
		out["payer_did"] = meta.PayerDID
		out["asset_id"] = meta.AssetID
		out["epoch"] = meta.OpenEpoch
		out["status"] = meta.Status.String()
	}

	unclaimed, err := g.ravs.Unclaimed(c.Request.Context(), channelID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reading unclaimed ravs failed"})
		return
	}

	lanes := gin.H{}
	for fragment, signed := range unclaimed {
		state := g.state.SubChannelState(channelID, fragment)
		lanes[fragment] = gin.H{
			"nonce":                signed.SubRAV.Nonce,
			"accumulated_amount":   signed.SubRAV.AccumulatedAmount.String(),
			"last_claimed_amount":  state.LastClaimedAmount.String(),
			"last_confirmed_nonce": state.LastConfirmedNonce,
		}
	}
	out["sub_channels"] = lanes

	c.JSON(http.StatusOK, out)
}
