package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vibetrade/agentgateway/internal/mcp"
	"github.com/vibetrade/agentgateway/internal/policy"
	"github.com/vibetrade/agentgateway/internal/reliability"
)

func init() {
	rootCmd.AddCommand(toolsCmd)
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the MCP tools the agent would load",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.MCPTimeout+5*time.Second)
		defer cancel()

		client := mcp.NewClient(mcp.Config{
			URL:           cfg.MCPServerURL,
			AuthToken:     cfg.MCPAuthToken,
			Timeout:       cfg.MCPTimeout,
			ClientVersion: version,
		})
		tools := mcp.NewToolset(client, cfg.MCPAllowedTools, log)
		if err := tools.Discover(ctx, reliability.Policy{Attempts: 1}); err != nil {
			return fmt.Errorf("discover tools at %s: %w", cfg.MCPServerURL, err)
		}

		list := tools.List()
		if len(list) == 0 {
			fmt.Println("No tools found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tDESCRIPTION")
		for _, t := range list {
			fmt.Fprintf(w, "%s\t%s\n", t.Name, policy.Preview(t.Description, 72))
		}
		return w.Flush()
	},
}
