// Package queue persists projects, their frames, and their flattened step rows
// in SQLite and drives the project lifecycle.
//
// A project moves pending → extracting → transcribing → synthesizing →
// completed, or to failed from any stage. Workers claim pending projects,
// heartbeat while they run, and stale claims are returned to pending. Retry
// clears a project's frames, steps, error, and progress in one transaction.
//
// Frames and steps are owned by their project and are removed in cascade with
// it. Schema changes bump schemaVersion in schema.go; users delete the
// database to adopt a new schema.
package queue
