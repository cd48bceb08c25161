// Package daemon coordinates the long-running stepforge process.
//
// It wires configuration, the project store, the object store, the workflow
// manager, and step regeneration into a single lifecycle guarded by a flock so
// only one daemon owns a data directory. The daemon serves the HTTP API the
// CLI talks to and reports dependency and database health.
//
// Keep orchestration logic here: pipeline stages live in their own packages
// while the daemon focuses on startup, shutdown, and request routing.
package daemon
