package main

import (
	. "github.com/streamingfast/cli"
	"github.com/streamingfast/logging"
	"go.uber.org/zap"
)

var zlog, _ = logging.PackageLogger("paygate", "github.com/nuwa-protocol/payment-gateway/cmd/paygate")
var version = "dev"

func init() {
	logging.InstantiateLoggers(logging.WithDefaultLevel(zap.InfoLevel))
}

func main() {
	Run(
		"paygate",
		"Payment Channel Gateway CLI",
		ConfigureVersion(version),
		OnCommandErrorLogAndExit(zlog),

		serveCmd,
	)
}
