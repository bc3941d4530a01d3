// Package main implements the remedyctl CLI for inspecting a running remedyd.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/remedyd/internal/statusclient"
)

var (
	// serverURL is the base URL for the remedyd HTTP server
	serverURL string
	// outputJSON prints raw API responses instead of tables
	outputJSON bool
	// requestTimeout bounds one command
	requestTimeout time.Duration
	// version information
	version = "dev"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "remedyctl",
	Short: "CLI for remedyd remediation status",
	Long: `remedyctl is a command-line interface for a running remedyd daemon.
It shows remediation progress, fingerprints logs locally and serves the
status tools over MCP.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8088", "remedyd server URL")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output results as JSON")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 30*time.Second, "Timeout for one command")
	rootCmd.AddCommand(healthCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check remedyd server health",
	Long: `Check if the remedyd server is running and healthy.

Examples:
  remedyctl health
  remedyctl health --server http://remedyd.internal:8088`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

func runHealth(cmd *cobra.Command, _ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("server unhealthy: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s is healthy\n", okStyle.Render("✓"), serverURL)
	return nil
}

func newClient() (*statusclient.Client, error) {
	return statusclient.New(serverURL)
}

func rootContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(rootContext(cmd), requestTimeout)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
