// Package logging assembles structured slog loggers and attribute helpers used
// across stepforge.
//
// It owns the console (tint) and JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so stage code automatically tags
// log lines with project IDs, stages, run IDs, and correlation IDs. A no-op
// logger is provided for tests and wiring code that cannot fail.
package logging
