package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/visiond/internal/dashboard"
)

func newMonitorCmd() *cobra.Command {
	var (
		metricsURL string
		interval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Open the live metrics dashboard",
		Long: `Open a terminal dashboard of workflow runs, generation quality and
process health, read from the Prometheus-compatible backend that scrapes
visiond's /metrics endpoint.

Keys: r refreshes, q quits.

Examples:
  visionctl monitor
  visionctl monitor --metrics-url http://prometheus:9090 --interval 5s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("interval must be positive, got %s", interval)
			}
			client, err := dashboard.NewMetricsClient(metricsURL)
			if err != nil {
				return err
			}
			p := tea.NewProgram(
				dashboard.NewModel(client, client.URL(), interval),
				tea.WithAltScreen(),
				tea.WithContext(cmd.Context()),
			)
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsURL, "metrics-url", "http://localhost:8428", "Prometheus-compatible query API URL")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	return cmd
}
