// Package services defines shared utilities consumed by pipeline stages and
// external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp project IDs, stage names, run IDs, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper that classify failures
//     into stage-fatal, configuration, and transient kinds.
//   - UserMessage, which turns an error into a short, path-free string that is
//     safe to persist on a project and show to end users.
package services
