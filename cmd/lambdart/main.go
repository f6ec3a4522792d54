package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lambdastream/runtime"
	"github.com/spf13/cobra"
)

var (
	flagAPIAddress string
	flagLocalPort  string
	flagLogLevel   string
	flagMetrics    bool
	flagMetricsBnd string
)

func main() {
	root := &cobra.Command{
		Use:   "lambdart",
		Short: "Drive a handler through the Lambda custom runtime API, or its local stand-in",
		RunE:  runServe,
	}

	root.Flags().StringVar(&flagAPIAddress, "api-address", "", "control-plane address (defaults to AWS_LAMBDA_RUNTIME_API)")
	root.Flags().StringVar(&flagLocalPort, "port", "", "local development server port when no control plane is configured")
	root.Flags().StringVar(&flagLogLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	root.Flags().BoolVar(&flagMetrics, "metrics", false, "expose a Prometheus metrics endpoint")
	root.Flags().StringVar(&flagMetricsBnd, "metrics-address", ":9090", "address for the metrics endpoint when --metrics is set")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	opts := []lambdart.Option{}
	if flagAPIAddress != "" {
		opts = append(opts, lambdart.WithAPIAddress(flagAPIAddress))
	}
	if flagLocalPort != "" {
		opts = append(opts, lambdart.WithLocalPort(flagLocalPort))
	}
	if flagLogLevel != "" {
		opts = append(opts, func(c *lambdart.Config) { c.LogLevel = flagLogLevel })
	}

	var metrics *lambdart.Metrics
	if flagMetrics {
		metrics = lambdart.NewMetrics("lambdart")
		opts = append(opts, lambdart.WithMetrics(metrics))
	}

	cfg := lambdart.NewConfig(opts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flagMetrics {
		go func() {
			srv := &http.Server{Addr: flagMetricsBnd, Handler: metrics.Handler()}
			_ = srv.ListenAndServe()
		}()
	}

	if cfg.LocalModeEnabled() {
		return runLocal(ctx, cfg, newEchoHandler)
	}
	return runAgainstControlPlane(ctx, cfg, newEchoHandler)
}

func runAgainstControlPlane(ctx context.Context, cfg *lambdart.Config, construct lambdart.HandlerConstructor) error {
	client := lambdart.NewClient(cfg.RuntimeAPI, cfg.MetricsOrNil())
	rt := lambdart.NewRuntimeWithConstructor(client, construct, cfg)
	return rt.Run(ctx)
}

func runLocal(ctx context.Context, cfg *lambdart.Config, construct lambdart.HandlerConstructor) error {
	addr := "127.0.0.1:" + cfg.LocalPortOrDefault()
	srv := lambdart.NewLocalServer(addr, cfg.Logger())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	client := lambdart.NewClient(addr, cfg.MetricsOrNil())
	rt := lambdart.NewRuntimeWithConstructor(client, construct, cfg)

	if runErr := rt.Run(ctx); runErr != nil {
		return runErr
	}
	return <-errCh
}

// echoEvent is the sample function's event/response shape, proving the
// buffered round trip end to end against either the control plane or
// the local server.
type echoEvent struct {
	Message string `json:"message"`
}

// newEchoHandler is the CLI's HandlerConstructor. It requires
// ECHO_GREETING_PREFIX to be set, the same way a real function package
// would fail fast on a missing secret or misconfigured client during
// init rather than on the first invocation: a missing prefix here is
// reported through report_init_error instead of ever reaching the loop.
func newEchoHandler() (lambdart.StreamingHandler, error) {
	prefix, ok := os.LookupEnv("ECHO_GREETING_PREFIX")
	if !ok || prefix == "" {
		return nil, &lambdart.ErrorResponse{
			Type:    "StartupError",
			Message: "ECHO_GREETING_PREFIX must be set to a non-empty value",
		}
	}

	return lambdart.NewJSONHandler(func(ctx context.Context, invCtx *lambdart.InvocationContext, event echoEvent) (echoEvent, error) {
		invCtx.Logger().Info().Str("message", event.Message).Msg("echoing event")
		event.Message = prefix + event.Message
		return event, nil
	}), nil
}
