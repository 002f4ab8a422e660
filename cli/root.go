// Package cli implements the nlweb-mcp command tree: the MCP server and
// commands for managing the page registry from a shell.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the "nlweb-mcp" root command with every subcommand.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "nlweb-mcp",
		Short: "nlweb page registry served over the Model Context Protocol",
		Long:  "nlweb-mcp keeps a local registry of nlweb pages and serves it to MCP hosts as tools and resources.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "Path to config file (default: ./nlweb-mcp.yaml or ~/.nlweb-mcp/config.yaml)")
	root.PersistentFlags().String("db-path", "", "Path to SQLite database (default: ~/.nlweb-mcp/nlweb.db)")
	root.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("nlweb-mcp version %s\n", version))

	root.AddCommand(NewServeCmd(version))
	root.AddCommand(NewPagesCmd())
	root.AddCommand(NewCallCmd())
	return root
}
