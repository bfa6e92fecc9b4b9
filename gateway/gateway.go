package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/streamingfast/eth-go"
	"github.com/streamingfast/shutter"
	"go.uber.org/zap"

	"github.com/nuwa-protocol/payment-gateway/billing"
	"github.com/nuwa-protocol/payment-gateway/claims"
	"github.com/nuwa-protocol/payment-gateway/llmproxy"
	"github.com/nuwa-protocol/payment-gateway/processor"
	"github.com/nuwa-protocol/payment-gateway/rav"
	"github.com/nuwa-protocol/payment-gateway/store"
)

// Options carries the external collaborators the gateway cannot build from
// configuration alone.
type Options struct {
	// Resolver maps (payerDid, vmIdFragment) to verification keys. Required.
	Resolver rav.KeyResolver

	// Chain settles claims on-chain. When nil, it is built from the config's
	// chain block; with neither, claims are scheduled but never settled and
	// the scheduler is disabled.
	Chain claims.ChainClient

	// RAVStore overrides the store selection (memory vs. redis from config).
	RAVStore store.RAVStore

	// Rates overrides the billing rate provider built from config.
	Rates billing.RateProvider
}

// Gateway is the assembled payment channel gateway: HTTP surface, payment
// processor, claim scheduler and the stores they share.
type Gateway struct {
	*shutter.Shutter

	config    *Config
	logger    *zap.Logger
	engine    *gin.Engine
	server    *http.Server
	processor *processor.Processor
	scheduler *claims.Scheduler
	billing   *billing.Engine
	providers *llmproxy.Manager
	proxy     *llmproxy.Proxy
	ravs      store.RAVStore
	pending   *store.PendingStore
	state     *store.StateCache
}

func New(cfg *Config, opts Options, logger *zap.Logger) (*Gateway, error) {
	if opts.Resolver == nil {
		return nil, errors.New("a key resolver is required")
	}

	g := &Gateway{
		Shutter: shutter.New(),
		config:  cfg,
		logger:  logger,
		pending: store.NewPendingStore(),
		state:   store.NewStateCache(),
	}

	g.ravs = opts.RAVStore
	if g.ravs == nil {
		if cfg.Redis != nil {
			g.ravs = store.NewRedisRAVStore(redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			}))
			logger.Info("using redis rav store", zap.String("addr", cfg.Redis.Addr))
		} else {
			g.ravs = store.NewMemoryRAVStore()
			logger.Warn("using in-memory rav store, accepted ravs do not survive restarts")
		}
	}

	engine, err := cfg.Pricing.BuildEngine(opts.Rates)
	if err != nil {
		return nil, fmt.Errorf("building billing engine: %w", err)
	}
	g.billing = engine

	chain := opts.Chain
	if chain == nil && cfg.Chain != nil {
		chain, err = buildChainClient(cfg, logger)
		if err != nil {
			return nil, err
		}
	}
	if chain != nil {
		g.scheduler = claims.NewScheduler(cfg.ClaimPolicy(), g.ravs, g.state, chain, logger.Named("claims"))
	} else {
		logger.Warn("no chain client configured, on-chain settlement disabled")
	}

	var channels processor.ChannelResolver
	if chain != nil {
		channels = chainChannelResolver{chain: chain}
	}

	verifier := rav.NewVerifier(cfg.ChainID, opts.Resolver)
	g.processor = processor.New(
		cfg.ServiceID,
		verifier,
		g.ravs,
		g.pending,
		g.state,
		channels,
		g.notifyClaim,
		cfg.VerifyTimeout(),
		logger.Named("processor"),
	)

	g.providers = llmproxy.NewManager()
	for name, pc := range cfg.Providers {
		var provider *llmproxy.Provider
		switch pc.Kind {
		case "anthropic":
			provider = llmproxy.NewAnthropicProvider(name, pc.BaseURL, pc.APIKeyEnvVar)
		default:
			provider = llmproxy.NewOpenAIProvider(name, pc.BaseURL, pc.APIKeyEnvVar, pc.SupportsNativeUSDCost)
		}
		if err := g.providers.Register(provider); err != nil {
			return nil, fmt.Errorf("registering provider %s: %w", name, err)
		}
	}
	g.proxy = llmproxy.NewProxy(cfg.StreamTimeout(), logger.Named("proxy"))

	g.engine = g.buildRouter()
	return g, nil
}

func buildChainClient(cfg *Config, logger *zap.Logger) (claims.ChainClient, error) {
	hubAddr, err := eth.NewAddress(cfg.Chain.HubAddress)
	if err != nil {
		return nil, fmt.Errorf("parsing chain.hub_address: %w", err)
	}
	rawKey := ""
	if cfg.Chain.OperatorKeyEnvVar != "" {
		rawKey = os.Getenv(cfg.Chain.OperatorKeyEnvVar)
	}
	if rawKey == "" {
		return nil, fmt.Errorf("chain.operator_key_env_var %s resolves to no key", cfg.Chain.OperatorKeyEnvVar)
	}
	key, err := eth.NewPrivateKey(rawKey)
	if err != nil {
		return nil, fmt.Errorf("parsing operator key: %w", err)
	}
	return claims.NewEthChainClient(cfg.Chain.RPCEndpoint, hubAddr, cfg.ChainID, key, logger.Named("chain")), nil
}

// chainChannelResolver lets the processor confirm channel epochs against the
// hub contract before trusting what a record claims.
type chainChannelResolver struct {
	chain claims.ChainClient
}

func (r chainChannelResolver) CurrentEpoch(ctx context.Context, channelID string) (uint64, error) {
	info, err := r.chain.GetChannel(ctx, channelID)
	if err != nil {
		return 0, err
	}
	return info.Epoch, nil
}

// notifyClaim bridges the processor to the scheduler. A full queue is not a
// request failure; the delta is rediscovered on the next accepted payment.
func (g *Gateway) notifyClaim(channelID, vmIDFragment string, delta *big.Int) {
	if g.scheduler == nil {
		return
	}
	if err := g.scheduler.MaybeQueue(channelID, vmIDFragment, delta); err != nil {
		g.logger.Warn("claim queue rejected delta",
			zap.String("channel_id", channelID),
			zap.String("vm_id_fragment", vmIDFragment),
			zap.String("delta", delta.String()),
			zap.Error(err),
		)
	}
}

func (g *Gateway) buildRouter() *gin.Engine {
	if !g.config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), g.requestLogger())

	engine.GET("/health", g.handleHealth)

	admin := engine.Group("/admin", g.didAuth(), g.adminOnly())
	admin.GET("/claims", g.handleAdminClaims)
	admin.GET("/pending", g.handleAdminPending)
	admin.GET("/channels/:id", g.handleAdminChannel)

	proxied := engine.Group("/:provider", g.didAuth())
	proxied.Any("/*path", g.handleProxy)

	return engine
}

// Run serves until shutdown. It owns the HTTP server, the claim scheduler and
// the pending-store janitor.
func (g *Gateway) Run() {
	if g.scheduler != nil {
		go g.scheduler.Run()
	}
	go g.pendingJanitor()

	g.server = &http.Server{
		Addr:    g.config.ListenAddr,
		Handler: g.engine,
	}

	g.OnTerminating(func(_ error) {
		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if g.server != nil {
			g.server.Shutdown(drainCtx)
		}
		if g.scheduler != nil {
			g.scheduler.Shutdown(nil)
			if err := g.scheduler.Drain(drainCtx); err != nil {
				g.logger.Warn("claim drain interrupted", zap.Error(err))
			}
		}
	})

	g.logger.Info("payment gateway starting",
		zap.String("listen_addr", g.config.ListenAddr),
		zap.String("service_id", g.config.ServiceID),
		zap.Strings("providers", g.providers.Names()),
	)
	err := g.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		g.Shutdown(err)
		return
	}
	g.Shutdown(nil)
}

// pendingJanitor expires proposals the client never signed.
func (g *Gateway) pendingJanitor() {
	interval := g.config.PendingTTL() / 4
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.Terminating():
			return
		case <-ticker.C:
			if removed := g.pending.Cleanup(g.config.PendingTTL()); removed > 0 {
				g.logger.Debug("expired pending proposals", zap.Int("count", removed))
			}
		}
	}
}

// requestLogger tags every request with a correlation id; 5xx answers carry
// it back to the client so support can find the server-side log line.
func (g *Gateway) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := uuid.NewString()
		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-Id", correlationID)

		start := time.Now()
		c.Next()
		g.logger.Debug("request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("correlation_id", correlationID),
		)
	}
}

func (g *Gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service_id": g.config.ServiceID})
}
