package stage

import (
	"cmp"
	"slices"
	"strings"
)

// Health is the readiness of one pipeline stage as shown by status and
// doctor. Detail names the backend of a ready stage, or what keeps a blocked
// stage from running.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Ready reports a stage that can run against backend.
func Ready(name, backend string) Health {
	return Health{Name: name, Ready: true, Detail: backend}
}

// Blocked reports a stage that cannot run.
func Blocked(name, reason string) Health {
	return Health{Name: name, Detail: reason}
}

// RequireTools is Ready over tools when none is missing, otherwise Blocked
// naming the missing ones.
func RequireTools(name string, tools, missing []string) Health {
	if len(missing) > 0 {
		return Blocked(name, "missing "+strings.Join(missing, ", "))
	}
	return Ready(name, strings.Join(tools, ", "))
}

func (h Health) String() string {
	state := "blocked"
	if h.Ready {
		state = "ready"
	}
	if h.Detail == "" {
		return h.Name + ": " + state
	}
	return h.Name + ": " + state + " (" + h.Detail + ")"
}

// Blocking returns the stages that cannot run, ordered by name.
func Blocking(health map[string]Health) []Health {
	var out []Health
	for _, h := range health {
		if !h.Ready {
			out = append(out, h)
		}
	}
	slices.SortFunc(out, func(a, b Health) int { return cmp.Compare(a.Name, b.Name) })
	return out
}
