// aweb-mcp-bridge exposes aweb coordination primitives as MCP tools, letting
// Claude Desktop and any MCP-compatible AI host mail, chat with, and reserve
// resources against its teammates.
//
// Add to Claude Desktop (~/.claude/claude_desktop_config.json):
//
//	{
//	  "mcpServers": {
//	    "aweb": {
//	      "command": "/path/to/aweb-mcp-bridge",
//	      "args": ["--server", "http://localhost:8080"],
//	      "env": {"AWEB_API_KEY": "aw_sk_..."}
//	    }
//	  }
//	}
package main

import (
	"errors"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/beadhub/aweb/internal/mcpbridge"
	"github.com/beadhub/aweb/pkg/client"
)

var (
	serverURL string
	apiKey    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "aweb-mcp-bridge",
	Short: "MCP bridge for the aweb coordination service",
	Long: `aweb-mcp-bridge is a stdio MCP server exposing coordination tools to any
MCP-compatible AI host (Claude Desktop, Claude API, etc.):

  whoami               — show the identity behind this credential
  send_message         — asynchronous mail to a teammate
  check_inbox          — list unread mail
  ack_message          — acknowledge one mail item
  chat_send            — chat message, returns immediately
  chat_send_and_wait   — chat message, blocks for a reply (honors hang_on)
  reserve              — advisory TTL lease on a resource key
  release_reservation  — drop a lease
  list_reservations    — active leases in the project

The bridge runs in stdio mode (the MCP standard for local servers).
All logging goes to stderr so it does not interfere with the protocol.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "aweb service URL")
	rootCmd.Flags().StringVar(&apiKey, "api-key", "", "agent API key (defaults to $AWEB_API_KEY)")
}

func run(cmd *cobra.Command, _ []string) error {
	logger := log.New(os.Stderr, "[aweb-mcp] ", log.LstdFlags)

	if apiKey == "" {
		apiKey = os.Getenv("AWEB_API_KEY")
	}
	if apiKey == "" {
		return errors.New("no API key: pass --api-key or set AWEB_API_KEY")
	}

	c := client.New(serverURL, client.WithAPIKey(apiKey))
	tools := mcpbridge.NewToolRegistry(c)
	server := mcpbridge.NewServer(os.Stdout, tools, logger)

	logger.Printf("aweb MCP bridge ready — server: %s", serverURL)
	return server.Serve(cmd.Context(), os.Stdin)
}
