// Visiond serves the image generation workflow over HTTP.
//
// A request's prompt is enhanced, optionally approved by a human, filtered,
// synthesized and scored; low scores regenerate until the iteration budget
// is spent. Clients poll task status or stream it over a websocket.
//
// Usage:
//
//	# Start with ~/.config/visiond/config.yaml and the environment
//	visiond serve
//
//	# Configure via environment
//	VISIOND_SERVER_PORT=9000 VISIOND_SYNTHESIS_API_KEY=... visiond serve
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "visiond",
	Short:        "Image generation workflow server",
	Version:      version,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the visiond HTTP server.

Configuration is layered: defaults, then the YAML file, then VISIOND_*
environment variables.

Examples:
  # Start with defaults
  visiond serve

  # Use an explicit config file
  visiond serve --config /etc/visiond/config.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, configPath)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "visiond by Fyrsmith Labs\n")
		fmt.Fprintf(out, "Version:    %s\n", version)
		fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
		fmt.Fprintf(out, "Build Date: %s\n", buildDate)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "config file (default ~/.config/visiond/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
