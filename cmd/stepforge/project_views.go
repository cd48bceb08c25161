package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"stepforge/internal/api"
)

func buildProjectRows(projects []api.Project, now time.Time) [][]string {
	rows := make([][]string, 0, len(projects))
	for _, p := range projects {
		rows = append(rows, []string{
			strconv.FormatInt(p.ID, 10),
			p.Title,
			p.Status,
			formatPercent(p.Progress.Percent),
			relativeTime(p.UpdatedAt, now),
		})
	}
	return rows
}

func renderProjectDetail(p api.Project, now time.Time) string {
	var b strings.Builder
	field := func(label, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		fmt.Fprintf(&b, "%-12s %s\n", label+":", value)
	}
	field("ID", strconv.FormatInt(p.ID, 10))
	field("Title", p.Title)
	field("Source", p.SourcePath)
	field("Status", p.Status)
	field("Stage", p.Progress.Stage)
	field("Progress", formatPercent(p.Progress.Percent))
	field("Message", p.Progress.Message)
	field("Error", p.ErrorMessage)
	if p.DedupThreshold != nil {
		field("Threshold", strconv.Itoa(*p.DedupThreshold))
	}
	if p.MaxFrames != nil {
		field("Max frames", strconv.Itoa(*p.MaxFrames))
	}
	field("Run", p.RunID)
	field("Artifact", p.ArtifactRef)
	field("Created", relativeTime(p.CreatedAt, now))
	field("Updated", relativeTime(p.UpdatedAt, now))
	field("Heartbeat", relativeTime(p.LastHeartbeat, now))
	return b.String()
}

func progressLine(p api.Project) string {
	line := fmt.Sprintf("[%s] %s %s", p.Status, formatPercent(p.Progress.Percent), p.Progress.Stage)
	if msg := strings.TrimSpace(p.Progress.Message); msg != "" {
		line += ": " + msg
	}
	if p.ErrorMessage != "" {
		line += " (" + p.ErrorMessage + ")"
	}
	return line
}

func formatPercent(value float64) string {
	return strconv.FormatFloat(value, 'f', 0, 64) + "%"
}

func relativeTime(value string, now time.Time) string {
	t, ok := api.ParseTime(value)
	if !ok {
		return ""
	}
	return humanize.RelTime(t, now, "ago", "from now")
}
