package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"stepforge/internal/dedup"
	"stepforge/internal/imagehash"
	"stepforge/internal/logging"
	"stepforge/internal/region"
)

var frameExtensions = []string{".jpg", ".jpeg", ".png", ".webp"}

func newFramesCommand(ctx *commandContext) *cobra.Command {
	framesCmd := &cobra.Command{
		Use:   "frames",
		Short: "Offline frame utilities",
	}
	framesCmd.AddCommand(newFramesDedupCommand(ctx))
	framesCmd.AddCommand(newFramesDistanceCommand(ctx))
	return framesCmd
}

type dedupResult struct {
	File          string                    `json:"file"`
	TimestampMs   int64                     `json:"timestamp_ms"`
	Hash          string                    `json:"hash"`
	Distance      int                       `json:"distance"`
	ChangedRegion *imagehash.NormalizedRect `json:"changed_region,omitempty"`
}

func newFramesDedupCommand(ctx *commandContext) *cobra.Command {
	var threshold int
	var intervalMs int64
	var regions bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "dedup <dir>",
		Short: "Report which frames in a directory survive perceptual deduplication",
		Long: "Frames are taken in file name order. Timestamps are synthesized from --interval-ms " +
			"since a directory of images carries none.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			dir := args[0]
			names, err := listFrames(dir)
			if err != nil {
				return err
			}
			if len(names) == 0 {
				return fmt.Errorf("no frames (%s) in %s", strings.Join(frameExtensions, ", "), dir)
			}
			if !cmd.Flags().Changed("threshold") {
				threshold = cfg.Dedup.HammingThreshold
			}

			candidates := make([]dedup.Candidate, len(names))
			for i, name := range names {
				candidates[i] = dedup.Candidate{Filename: name, FrameNumber: i, TimestampMs: int64(i) * intervalMs}
			}
			var detector dedup.RegionDetector
			if regions {
				detector = region.NewDetector(region.Options{
					MinWidthRatio:          cfg.Region.MinWidthRatio,
					MinHeightRatio:         cfg.Region.MinHeightRatio,
					SkipNearFullFrameRatio: cfg.Region.SkipNearFullFrameRatio,
					CropThreshold:          cfg.Region.CropThreshold,
				}, cfg.Region.Backend, cfg.FFmpegBinary(), logging.NewNop())
			}
			resolve := func(name string) string { return filepath.Join(dir, name) }
			kept, err := dedup.New(threshold, resolve, detector, logging.NewNop()).Run(cmd.Context(), candidates)
			if err != nil {
				return err
			}

			results := make([]dedupResult, len(kept))
			for i, k := range kept {
				results[i] = dedupResult{
					File:          k.Filename,
					TimestampMs:   k.TimestampMs,
					Hash:          k.Hash.Hex(),
					Distance:      k.Distance,
					ChangedRegion: k.ChangedRegion,
				}
			}
			if asJSON {
				return writeJSON(cmd, results)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Kept %d of %d frames (threshold %d)\n", len(results), len(names), threshold)
			fmt.Fprint(out, renderTable(
				[]string{"File", "Time", "Distance", "Changed region"},
				buildDedupRows(results),
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().IntVarP(&threshold, "threshold", "t", dedup.DefaultThreshold, "Hamming distance a frame must exceed to be kept")
	cmd.Flags().Int64Var(&intervalMs, "interval-ms", 1000, "Milliseconds between consecutive frames")
	cmd.Flags().BoolVar(&regions, "regions", false, "Also compute the changed region of each kept frame")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newFramesDistanceCommand(ctx *commandContext) *cobra.Command {
	var threshold int
	cmd := &cobra.Command{
		Use:   "distance <hash> <hash>",
		Short: "Compare two stored frame hashes",
		Long: "Hashes are the 16-digit hex form printed by `frames dedup --json` and stored on " +
			"frame rows, or the 64-character bit string.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("threshold") {
				threshold = cfg.Dedup.HammingThreshold
			}
			a, err := imagehash.ParseHash(args[0])
			if err != nil {
				return err
			}
			b, err := imagehash.ParseHash(args[1])
			if err != nil {
				return err
			}
			distance := imagehash.Distance(a, b)
			verdict := "duplicate"
			if distance > threshold {
				verdict = "distinct"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Distance %d (threshold %d): %s\n", distance, threshold, verdict)
			return nil
		},
	}
	cmd.Flags().IntVarP(&threshold, "threshold", "t", dedup.DefaultThreshold, "Hamming distance a frame must exceed to be kept")
	return cmd
}

func listFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if slices.Contains(frameExtensions, strings.ToLower(filepath.Ext(e.Name()))) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

func buildDedupRows(results []dedupResult) [][]string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		regionText := "-"
		if r.ChangedRegion != nil {
			regionText = fmt.Sprintf("x=%.2f y=%.2f w=%.2f h=%.2f",
				r.ChangedRegion.X, r.ChangedRegion.Y, r.ChangedRegion.W, r.ChangedRegion.H)
		}
		rows = append(rows, []string{r.File, formatClock(r.TimestampMs), strconv.Itoa(r.Distance), regionText})
	}
	return rows
}
