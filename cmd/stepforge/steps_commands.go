package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"stepforge/internal/artifact"
)

func newStepsCommand(ctx *commandContext) *cobra.Command {
	stepsCmd := &cobra.Command{
		Use:   "steps",
		Short: "Inspect and regenerate synthesized steps",
	}

	stepsCmd.AddCommand(newStepsShowCommand(ctx))
	stepsCmd.AddCommand(newStepsRegenerateCommand(ctx))
	stepsCmd.AddCommand(newStepsAudioCommand(ctx))

	return stepsCmd
}

func newStepsShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	var verbose bool

	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project's steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProjectID(args[0])
			if err != nil {
				return err
			}
			resp, err := ctx.client().Steps(cmd.Context(), id)
			if err != nil {
				return ctx.wrapDaemonError(err)
			}
			if asJSON {
				return writeJSON(cmd, resp.Artifact)
			}
			out := cmd.OutOrStdout()
			if resp.Artifact == nil || len(resp.Artifact.Steps) == 0 {
				fmt.Fprintln(out, "No steps")
				return nil
			}
			if verbose {
				for _, entry := range resp.Artifact.Steps {
					writeStepDetail(out, entry)
				}
				return nil
			}
			fmt.Fprint(out, renderTable(
				[]string{"#", "Step ID", "Time", "Title", "Confidence", "Warnings"},
				buildStepRows(resp.Artifact.Steps),
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignRight},
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output the artifact as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print every field of each step")
	return cmd
}

func newStepsRegenerateCommand(ctx *commandContext) *cobra.Command {
	var frameID int64

	cmd := &cobra.Command{
		Use:   "regenerate <project-id> <step-id>",
		Short: "Rerun synthesis for one step, optionally against another frame",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProjectID(args[0])
			if err != nil {
				return err
			}
			stepID := strings.TrimSpace(args[1])
			if stepID == "" {
				return fmt.Errorf("step id is required")
			}
			resp, err := ctx.client().RegenerateStep(cmd.Context(), id, stepID, frameID)
			if err != nil {
				return ctx.wrapDaemonError(err)
			}
			writeStepDetail(cmd.OutOrStdout(), resp.Step)
			return nil
		},
	}
	cmd.Flags().Int64Var(&frameID, "frame", 0, "Frame ID to ground the step on (defaults to the step's frame)")
	return cmd
}

func newStepsAudioCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "audio <project-id> <step-id> <audio-ref>",
		Short: "Attach a narration audio reference to one step",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProjectID(args[0])
			if err != nil {
				return err
			}
			stepID := strings.TrimSpace(args[1])
			if stepID == "" {
				return fmt.Errorf("step id is required")
			}
			resp, err := ctx.client().AttachStepAudio(cmd.Context(), id, stepID, args[2])
			if err != nil {
				return ctx.wrapDaemonError(err)
			}
			writeStepDetail(cmd.OutOrStdout(), resp.Step)
			return nil
		},
	}
}

func buildStepRows(entries []artifact.Entry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			strconv.Itoa(e.SortOrder + 1),
			e.StepID,
			formatWindow(e.TStart, e.TEnd),
			e.Title,
			strconv.FormatFloat(e.Confidence, 'f', 2, 64),
			strconv.Itoa(len(e.Warnings)),
		})
	}
	return rows
}

func writeStepDetail(out io.Writer, e artifact.Entry) {
	fmt.Fprintf(out, "Step %d: %s\n", e.SortOrder+1, e.Title)
	line := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			fmt.Fprintf(out, "  %-12s %s\n", label+":", value)
		}
	}
	line("ID", e.StepID)
	line("Frame", strconv.FormatInt(e.FrameID, 10))
	line("Time", formatWindow(e.TStart, e.TEnd))
	line("Operation", e.Operation)
	line("Instruction", e.Instruction)
	line("Expected", e.ExpectedResult)
	line("Narration", e.Narration)
	line("Audio", e.AudioRef)
	line("Confidence", strconv.FormatFloat(e.Confidence, 'f', 2, 64))
	for _, w := range e.Warnings {
		line("Warning", w)
	}
	fmt.Fprintln(out)
}

func formatWindow(startMs, endMs int64) string {
	return formatClock(startMs) + "-" + formatClock(endMs)
}

func formatClock(ms int64) string {
	total := ms / 1000
	return fmt.Sprintf("%d:%02d.%01d", total/60, total%60, (ms%1000)/100)
}
