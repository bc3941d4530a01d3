package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

// mcpCmd serves the remediation status tools over stdio
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve remediation status tools over MCP (stdio)",
	Long: `Run an MCP server on stdin/stdout that answers remediation_status and
remediation_list by querying remedyd.

Logs go to stderr so they do not corrupt the protocol stream.

Examples:
  remedyctl mcp --server http://remedyd.internal:8088`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, _ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	// zap's production config writes to stderr.
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	srv, err := mcp.NewServer(&mcp.Config{
		Name:    "remedyd",
		Version: version,
		Logger:  logger,
	}, client)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	return srv.Run(rootContext(cmd))
}
