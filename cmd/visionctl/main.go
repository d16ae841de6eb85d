// Package main implements the visionctl CLI for operating a visiond server.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version information
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Each call returns fresh flag state.
func newRootCmd() *cobra.Command {
	var serverURL string

	root := &cobra.Command{
		Use:   "visionctl",
		Short: "CLI for visiond server operations",
		Long: `visionctl is a command-line interface for the visiond HTTP server.
It submits generation requests, follows their progress, answers approval
prompts and opens a live metrics dashboard.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8000", "visiond server URL")

	api := func() *client { return newClient(serverURL) }

	root.AddCommand(
		newGenerateCmd(api),
		newStatusCmd(api),
		newWatchCmd(api),
		newFeedbackCmd(api),
		newCancelCmd(api),
		newApproveCmd(api, true),
		newApproveCmd(api, false),
		newDeleteCmd(api),
		newHealthCmd(api),
		newMonitorCmd(),
	)
	return root
}
