package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"stepforge/internal/api"
	"stepforge/internal/config"
	"stepforge/internal/poller"
	"stepforge/internal/queue"
	"stepforge/internal/services"
)

func newProjectCommand(ctx *commandContext) *cobra.Command {
	projectCmd := &cobra.Command{
		Use:     "project",
		Aliases: []string{"projects"},
		Short:   "Submit and inspect projects",
	}

	projectCmd.AddCommand(newProjectAddCommand(ctx))
	projectCmd.AddCommand(newProjectListCommand(ctx))
	projectCmd.AddCommand(newProjectShowCommand(ctx))
	projectCmd.AddCommand(newProjectRetryCommand(ctx))
	projectCmd.AddCommand(newProjectWatchCommand(ctx))

	return projectCmd
}

// overrideFlags binds --threshold and --max-frames; unset flags stay nil.
type overrideFlags struct {
	threshold int
	maxFrames int
}

func (o *overrideFlags) bind(cmd *cobra.Command) {
	cmd.Flags().IntVar(&o.threshold, "threshold", 0, "Dedup Hamming threshold for this project")
	cmd.Flags().IntVar(&o.maxFrames, "max-frames", 0, "Maximum candidate frames for this project")
}

func (o *overrideFlags) values(cmd *cobra.Command) (*int, *int) {
	var threshold, maxFrames *int
	if cmd.Flags().Changed("threshold") {
		threshold = &o.threshold
	}
	if cmd.Flags().Changed("max-frames") {
		maxFrames = &o.maxFrames
	}
	return threshold, maxFrames
}

func newProjectAddCommand(ctx *commandContext) *cobra.Command {
	var title string
	var overrides overrideFlags
	var watch bool

	cmd := &cobra.Command{
		Use:   "add <video>",
		Short: "Submit a screen recording for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := config.ExpandPath(args[0])
			if err != nil {
				return err
			}
			if source, err = filepath.Abs(source); err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}
			threshold, maxFrames := overrides.values(cmd)
			project, err := ctx.client().CreateProject(cmd.Context(), api.CreateProjectRequest{
				Title:      title,
				SourcePath: source,
				Threshold:  threshold,
				MaxFrames:  maxFrames,
			})
			if err != nil {
				return ctx.wrapDaemonError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued project %d (%s)\n", project.ID, project.Title)
			if watch {
				return watchProject(cmd, ctx, project.ID, poller.DefaultPolicy())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Project title (defaults to the file name)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow progress until the project finishes")
	overrides.bind(cmd)
	return cmd
}

func newProjectListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range statuses {
				if _, ok := queue.ParseStatus(s); !ok {
					return fmt.Errorf("unknown status %q", s)
				}
			}
			projects, err := ctx.client().ListProjects(cmd.Context(), statuses...)
			if err != nil {
				return ctx.wrapDaemonError(err)
			}
			if asJSON {
				return writeJSON(cmd, projects)
			}
			if len(projects) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No projects")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Title", "Status", "Progress", "Updated"},
				buildProjectRows(projects, time.Now()),
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newProjectShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProjectID(args[0])
			if err != nil {
				return err
			}
			project, err := ctx.client().GetProject(cmd.Context(), id)
			if err != nil {
				return ctx.wrapDaemonError(err)
			}
			if asJSON {
				return writeJSON(cmd, project)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderProjectDetail(*project, time.Now()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newProjectRetryCommand(ctx *commandContext) *cobra.Command {
	var overrides overrideFlags

	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Discard a project's results and run it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProjectID(args[0])
			if err != nil {
				return err
			}
			threshold, maxFrames := overrides.values(cmd)
			project, err := ctx.client().RetryProject(cmd.Context(), id, api.RetryRequest{
				Threshold: threshold,
				MaxFrames: maxFrames,
			})
			if errors.Is(err, queue.ErrProjectBusy) {
				return fmt.Errorf("project %d is still processing; wait for it to finish", id)
			}
			if err != nil {
				return ctx.wrapDaemonError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Project %d requeued\n", project.ID)
			return nil
		},
	}
	overrides.bind(cmd)
	return cmd
}

func newProjectWatchCommand(ctx *commandContext) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Follow a project's progress until it completes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProjectID(args[0])
			if err != nil {
				return err
			}
			policy := poller.DefaultPolicy()
			if interval > 0 {
				policy.Base = interval
			}
			return watchProject(cmd, ctx, id, policy)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "Base polling interval")
	return cmd
}

// maxWatchErrors is the number of consecutive failed polls before watch gives up.
const maxWatchErrors = 5

func watchProject(cmd *cobra.Command, ctx *commandContext, id int64, policy poller.Policy) error {
	client := ctx.client()
	out := cmd.OutOrStdout()
	var last string
	var final *api.Project

	fetch := func(runCtx context.Context) (bool, error) {
		project, err := client.GetProject(runCtx, id)
		if err != nil {
			return false, err
		}
		if line := progressLine(*project); line != last {
			fmt.Fprintln(out, line)
			last = line
		}
		status, _ := queue.ParseStatus(project.Status)
		if status.IsTerminal() {
			final = project
			return true, nil
		}
		return false, nil
	}
	onError := func(state poller.State, err error) bool {
		if errors.Is(err, context.Canceled) || errors.Is(err, services.ErrNotFound) || state.ErrorCount >= maxWatchErrors {
			return false
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "poll failed (retrying in %s): %v\n", state.Interval, err)
		return true
	}

	if err := poller.Run(cmd.Context(), policy, fetch, onError); err != nil {
		return ctx.wrapDaemonError(err)
	}
	if final != nil && final.Status == string(queue.StatusFailed) {
		return fmt.Errorf("project %d failed: %s", id, final.ErrorMessage)
	}
	return nil
}

func parseProjectID(value string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid project id %q", value)
	}
	return id, nil
}
