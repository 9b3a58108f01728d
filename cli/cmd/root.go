// Package cmd contains CLI commands.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/aiops/kpiquery/cli/internal/config"
	"github.com/aiops/kpiquery/services/kpi"
)

// Version is set at build time.
var Version = "0.1.0"

var (
	cfg     *config.Config
	addr    string
	format  string
	verbose bool
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "kpi",
	Short: "kpi - service KPI query client",
	Long: `kpi queries the KPI service for apdex, response time, throughput,
SLA, latency percentiles and ranked children of a service.

Examples:
  # Hourly KPIs of service 3 over one day
  kpi query --id 3 --start 2024-01-15T00:00:00Z --end 2024-01-15T23:00:00Z --step HOUR

  # Only apdex and p99, gaps interpolated
  kpi query --id 3 --start "2024-01-15 1000" --end "2024-01-15 1030" --step MINUTE \
      --types apdex,p99 --gap interpolate -o json

  # Load spans into a server running the memory backend
  kpi ingest spans.yaml
`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.DefaultConfig()
		if addr != "" {
			cfg.Addr = addr
		}
		if format != "" {
			cfg.Format = format
		}
		cfg.Verbose = verbose
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "KPI service address (default $KPI_ADDR or localhost:9000)")
	rootCmd.PersistentFlags().StringVarP(&format, "output", "o", "", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(versionCmd)
}

// dial opens a client connection to the configured service.
func dial() (*grpc.ClientConn, *kpi.Client, error) {
	conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect: %w", err)
	}
	return conn, kpi.NewClient(conn), nil
}

// versionCmd prints version info.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("kpi version " + Version)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check service health",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, client, err := dial()
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := commandContext(cmd)
		defer cancel()

		status, version, err := client.Health(ctx)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}

		cmd.Printf("%s (version %s) at %s\n", status, version, cfg.Addr)
		return nil
	},
}
