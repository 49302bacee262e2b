package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/svcgate/svcgate/api"
	"github.com/svcgate/svcgate/internal/config"
)

var (
	checkMethod string
	checkPath   string
	checkCaller string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Dry-run a decision check without a running gateway",
	Long: `Check what decision a request would receive without running the proxy.
Useful for testing and debugging rules and policies.`,
	Example: `  svcgate check -c gateway.yaml --method GET --path /v1/books
  svcgate check -c gateway.yaml --method POST --path /v1/orders --caller key:abc`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkMethod, "method", "GET", "HTTP method to check")
	checkCmd.Flags().StringVar(&checkPath, "path", "", "request path")
	checkCmd.Flags().StringVar(&checkCaller, "caller", "", "caller identity")
	_ = checkCmd.MarkFlagRequired("path")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("--config/-c is required for check command")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	client, err := buildClient(cfg)
	if err != nil {
		return err
	}

	attrs := &api.RequestAttributes{
		Method:     checkMethod,
		Path:       checkPath,
		CallerID:   checkCaller,
		ReceivedAt: time.Now(),
	}
	if route := cfg.RouteFor(checkMethod, checkPath); route != nil {
		attrs.Operation = route.OperationName()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.CheckTimeout)
	defer cancel()

	result, err := client.Check(ctx, attrs)
	if err != nil {
		return fmt.Errorf("check error: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
