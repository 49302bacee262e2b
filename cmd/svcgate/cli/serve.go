package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/svcgate/svcgate/internal/config"
	"github.com/svcgate/svcgate/internal/decision"
	"github.com/svcgate/svcgate/internal/metrics"
	"github.com/svcgate/svcgate/internal/proxy"
	"github.com/svcgate/svcgate/internal/report"
)

var (
	serveListen  string
	serveBackend string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gating reverse proxy",
	Long: `Start the gateway in front of the configured backend. Every request is
withheld until the decision service resolves, then forwarded or rejected.
An ops listener serves /metrics and /healthz.`,
	Example: `  svcgate serve -c gateway.yaml
  svcgate serve -c gateway.yaml --listen :8080 --backend http://localhost:3000`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveBackend, "backend", "", "backend URL (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	var cfg *config.Config
	var err error
	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	} else {
		cfg = config.Default()
	}
	if serveListen != "" {
		cfg.ListenAddr = serveListen
	}
	if serveBackend != "" {
		cfg.File.Settings.BackendAddress = serveBackend
	}

	client, err := buildClient(cfg)
	if err != nil {
		return err
	}

	store, err := report.NewJSONLStore(cfg.LogDir)
	if err != nil {
		return fmt.Errorf("creating report store: %w", err)
	}
	defer store.Close()

	reporter := report.NewReporter(client, store, cfg.ReportBuffer, logger)
	defer reporter.Close()

	invoker := decision.NewInvoker(client, cfg.CheckTimeout, logger)

	srv, err := proxy.NewServer(cfg, invoker, reporter, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	go serveOps(ctx, cfg)

	return srv.ListenAndServe(ctx, cfg.ListenAddr)
}

// buildClient assembles the decision client: the configured backend, with
// the local quota wrapper on top when quotas are set.
func buildClient(cfg *config.Config) (decision.Client, error) {
	var client decision.Client
	var err error

	switch cfg.File.Settings.Check.Mode {
	case config.CheckModeRules:
		client, err = decision.NewRulesEngine(cfg)
	case config.CheckModeOPA:
		client, err = decision.NewOPAEngine(cfg.File.Settings.Check.OPAPolicy)
	case config.CheckModeRemote:
		client = decision.NewRemoteClient(cfg.File.Settings.Check.URL, cfg.CheckTimeout)
	default:
		err = fmt.Errorf("unknown check mode %q", cfg.File.Settings.Check.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("creating decision client: %w", err)
	}

	if q := decision.QuotaConfigFrom(cfg.File); q != nil {
		client = decision.NewQuotaClient(client, *q)
	}
	return client, nil
}

func serveOps(ctx context.Context, cfg *config.Config) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc(cfg.HealthzPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{Addr: cfg.OpsAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	logger.Info("starting ops listener", "listen", cfg.OpsAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("ops listener failed", "error", err)
	}
}
