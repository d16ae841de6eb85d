package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	httpserver "github.com/fyrsmithlabs/visiond/internal/http"
	"github.com/fyrsmithlabs/visiond/internal/workflow"
)

func newGenerateCmd(api func() *client) *cobra.Command {
	var (
		maxIterations int
		referencePath string
		noMonitoring  bool
		wait          bool
		output        string
		pollInterval  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Submit an image generation request",
		Long: `Submit an image generation request and print its task ID.

Examples:
  # Submit and return immediately
  visionctl generate "a lighthouse on a cliff at dusk"

  # Wait for the result and save the image
  visionctl generate --wait --output lighthouse.png "a lighthouse at dusk"

  # Guide generation with a reference image
  visionctl generate --reference-image sketch.png "a watercolor harbor"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := httpserver.GenerateRequest{
				Prompt:        strings.Join(args, " "),
				MaxIterations: maxIterations,
			}
			if noMonitoring {
				off := false
				req.EnableMonitoring = &off
			}
			if referencePath != "" {
				data, err := os.ReadFile(referencePath)
				if err != nil {
					return fmt.Errorf("failed to read reference image %s: %w", referencePath, err)
				}
				req.ReferenceImage = base64.StdEncoding.EncodeToString(data)
			}

			c := api()
			resp, err := c.generate(cmd.Context(), req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Task ID: %s\n", resp.TaskID)
			if !wait {
				fmt.Fprintln(out, resp.Message)
				return nil
			}

			snap, err := waitForTask(cmd.Context(), c, resp.TaskID, pollInterval, out)
			if err != nil {
				return err
			}
			printSnapshot(out, snap)
			if snap.Status != workflow.StatusCompleted {
				return fmt.Errorf("task %s %s: %s", snap.TaskID, snap.Status, snap.Error)
			}
			return saveImage(out, snap, output)
		},
	}

	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "generation passes allowed (server default when 0)")
	cmd.Flags().StringVar(&referencePath, "reference-image", "", "image file to guide generation")
	cmd.Flags().BoolVar(&noMonitoring, "no-monitoring", false, "disable run observability for this task")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the task finishes")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the generated image to this file (with --wait)")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", time.Second, "status poll interval (with --wait)")
	return cmd
}

// waitForTask polls until the task is terminal, reporting each progress change.
func waitForTask(ctx context.Context, c *client, taskID string, interval time.Duration, out io.Writer) (workflow.Snapshot, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastProgress, lastStep := -1, workflow.StepName("")
	for {
		snap, err := c.status(ctx, taskID)
		if err != nil {
			return workflow.Snapshot{}, err
		}
		if snap.Progress != lastProgress || snap.CurrentStep != lastStep {
			fmt.Fprintf(out, "[%3d%%] %s %s\n", snap.Progress, snap.Status, snap.CurrentStep)
			lastProgress, lastStep = snap.Progress, snap.CurrentStep
		}
		if snap.Status.Terminal() {
			return snap, nil
		}

		select {
		case <-ctx.Done():
			return workflow.Snapshot{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func newStatusCmd(api func() *client) *cobra.Command {
	var (
		asJSON bool
		output string
	)

	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := api().status(cmd.Context(), args[0])
			if err != nil {
				if isNotFound(err) {
					return fmt.Errorf("task %s not found", args[0])
				}
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printSnapshot(out, snap)
			return saveImage(out, snap, output)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status document")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the generated image to this file")
	return cmd
}

func newWatchCmd(api func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Stream a task's progress until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var last workflow.Snapshot
			err := api().stream(cmd.Context(), args[0], func(snap workflow.Snapshot) {
				fmt.Fprintf(out, "[%3d%%] %s %s", snap.Progress, snap.Status, snap.CurrentStep)
				if snap.QualityScore != nil {
					fmt.Fprintf(out, " score=%.2f", *snap.QualityScore)
				}
				fmt.Fprintln(out)
				last = snap
			})
			if err != nil {
				return err
			}
			if last.Status.Terminal() {
				printSnapshot(out, last)
			}
			return nil
		},
	}
}

func newFeedbackCmd(api func() *client) *cobra.Command {
	var comment string

	cmd := &cobra.Command{
		Use:   "feedback <task-id> <rating>",
		Short: "Rate a generated image",
		Long: `Attach a user rating to a task's run.

Examples:
  visionctl feedback 3f1c... 0.9
  visionctl feedback 3f1c... 0.2 --comment "too dark"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rating, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid rating %q: %w", args[1], err)
			}
			resp, err := api().feedback(cmd.Context(), httpserver.FeedbackRequest{
				TaskID:  args[0],
				Rating:  &rating,
				Comment: comment,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "free-form comment")
	return cmd
}

func newCancelCmd(api func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := api().cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
}

// newApproveCmd builds "approve" or "reject" for a task waiting on human review.
func newApproveCmd(api func() *client, approved bool) *cobra.Command {
	use, short := "approve", "Approve a task's optimized prompt"
	if !approved {
		use, short = "reject", "Reject a task's optimized prompt"
	}
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := api().approve(cmd.Context(), args[0], approved)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
}

func newDeleteCmd(api func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := api().delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
}

func newHealthCmd(api func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check visiond server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := api()
			c.http.Timeout = 5 * time.Second
			resp, err := c.health(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server Status: %s\n", resp.Status)
			fmt.Fprintf(out, "Server URL: %s\n", c.baseURL)
			fmt.Fprintf(out, "Tasks: %d (%d active)\n", resp.Counts.Total, resp.Counts.Active)
			if resp.Telemetry != nil && resp.Telemetry.Reason != "" {
				fmt.Fprintf(out, "Telemetry: %s\n", resp.Telemetry.Reason)
			}
			return nil
		},
	}
}

func printSnapshot(out io.Writer, snap workflow.Snapshot) {
	fmt.Fprintf(out, "Task:       %s\n", snap.TaskID)
	fmt.Fprintf(out, "Status:     %s\n", snap.Status)
	fmt.Fprintf(out, "Progress:   %d%%\n", snap.Progress)
	if snap.CurrentStep != "" {
		fmt.Fprintf(out, "Step:       %s\n", snap.CurrentStep)
	}
	fmt.Fprintf(out, "Iterations: %d/%d\n", snap.IterationCount, snap.MaxIterations)
	if snap.OptimizedPrompt != "" {
		fmt.Fprintf(out, "Prompt:     %s\n", snap.OptimizedPrompt)
	}
	if snap.QualityScore != nil {
		fmt.Fprintf(out, "Score:      %.2f\n", *snap.QualityScore)
	}
	if snap.Feedback != "" {
		fmt.Fprintf(out, "Feedback:   %s\n", snap.Feedback)
	}
	if snap.Error != "" {
		fmt.Fprintf(out, "Error:      %s\n", snap.Error)
	}
	if len(snap.Artifact) > 0 {
		fmt.Fprintf(out, "Image:      %d bytes (%s)\n", len(snap.Artifact), http.DetectContentType(snap.Artifact))
	}
}

// saveImage writes the task's image to path. An empty path is a no-op.
func saveImage(out io.Writer, snap workflow.Snapshot, path string) error {
	if path == "" {
		return nil
	}
	if len(snap.Artifact) == 0 {
		return fmt.Errorf("task %s has no generated image", snap.TaskID)
	}
	if err := os.WriteFile(path, snap.Artifact, 0o644); err != nil {
		return fmt.Errorf("failed to write image %s: %w", path, err)
	}
	fmt.Fprintf(out, "Saved image to %s\n", path)
	return nil
}
