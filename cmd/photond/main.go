// Command photond runs the photon control plane: discovery, on-demand
// in-process loading of user-authored tool modules, JSON-RPC streaming
// routing over a resumable SSE transport, hot-reload, and federation of
// external MCP-style tool servers.
//
// Grounded on rcourtman-Pulse's cmd/pulse (internal/cmd/pulse/main.go): a
// cobra root command defaulting to "serve" plus version/config
// subcommands, zerolog console output, signal-driven graceful shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "photond",
	Short:   "photond runs the photon control plane",
	Version: Version,
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newPhotonCmd())
	rootCmd.AddCommand(newConfigCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "photond: %v\n", err)
		os.Exit(1)
	}
}
