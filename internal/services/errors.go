package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"stepforge/internal/queue"
)

var (
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later status classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// FailureStatus maps a stage error to the project status the workflow manager
// persists after the run stops. A run interrupted by shutdown goes back to
// pending so the next daemon start picks it up again.
func FailureStatus(err error) queue.Status {
	if errors.Is(err, context.Canceled) {
		return queue.StatusPending
	}
	return queue.StatusFailed
}

const userMessageLimit = 300

var pathPattern = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[/\\][^\s/\\:"'()]+){2,}[/\\]?`)

// UserMessage renders err for end users: file-system paths are reduced to
// their base names and the result is truncated.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimSpace(err.Error())
	msg = pathPattern.ReplaceAllStringFunc(msg, func(match string) string {
		base := filepath.Base(strings.TrimRight(strings.ReplaceAll(match, `\`, "/"), "/"))
		if base == "." || base == "/" {
			return "<path>"
		}
		return base
	})
	msg = strings.Join(strings.Fields(msg), " ")
	return Truncate(msg, userMessageLimit)
}

// Truncate shortens value to limit runes, marking the cut with an ellipsis.
func Truncate(value string, limit int) string {
	runes := []rune(value)
	if limit <= 0 || len(runes) <= limit {
		return value
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
