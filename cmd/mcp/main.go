// escrowd MCP server - exposes escrow operations as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/stellapay/escrowd/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL:   envOrDefault("ESCROWD_API_URL", "http://localhost:8080"),
		APIKey:   os.Getenv("ESCROWD_API_KEY"),
		Identity: os.Getenv("ESCROWD_IDENTITY"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "ESCROWD_API_KEY is required")
		os.Exit(1)
	}
	if cfg.Identity == "" {
		fmt.Fprintln(os.Stderr, "ESCROWD_IDENTITY is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
