package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/streamingfast/cli"
	. "github.com/streamingfast/cli"
	"github.com/streamingfast/cli/sflags"
	"github.com/streamingfast/logging"

	"github.com/nuwa-protocol/payment-gateway/gateway"
	"github.com/nuwa-protocol/payment-gateway/rav"
)

var serveLog, _ = logging.PackageLogger("serve", "github.com/nuwa-protocol/payment-gateway/cmd/paygate@serve")

var serveCmd = Command(
	runServe,
	"serve",
	"Start the payment channel gateway",
	Description(`
		Starts the gateway that meters HTTP/LLM traffic against payment
		channels. Each request settles the previously proposed SubRAV and
		receives the next proposal in the X-Payment-Channel-Data header;
		accepted deltas are settled on-chain by the claim scheduler.

		The configuration file is YAML; see config.example.yaml for the full
		surface (service identity, pricing, providers, claim policy, redis,
		chain).
	`),
	Flags(func(flags *pflag.FlagSet) {
		flags.String("config", "paygate.yaml", "Path to the gateway configuration file")
		flags.String("resolver-endpoint", "", "HTTP endpoint resolving (did, fragment) pairs to verification keys (required)")
		flags.Duration("resolver-cache-ttl", 5*time.Minute, "How long resolved verification keys are cached")
	}),
)

func runServe(cmd *cobra.Command, args []string) error {
	configPath := sflags.MustGetString(cmd, "config")
	resolverEndpoint := sflags.MustGetString(cmd, "resolver-endpoint")
	resolverTTL := sflags.MustGetDuration(cmd, "resolver-cache-ttl")

	cli.Ensure(resolverEndpoint != "", "<resolver-endpoint> is required")

	config, err := gateway.LoadConfig(configPath)
	cli.NoError(err, "failed to load config from %q", configPath)

	app := NewApplication(cmd.Context())

	gw, err := gateway.New(config, gateway.Options{
		Resolver: rav.NewHTTPKeyResolver(resolverEndpoint, resolverTTL),
	}, serveLog)
	cli.NoError(err, "failed to build gateway")

	app.SuperviseAndStart(gw)

	return app.WaitForTermination(serveLog, 0*time.Second, 30*time.Second)
}
