// Package api defines the wire-format types of the daemon HTTP API, the
// converters from internal models, and the client the CLI uses to reach a
// running daemon.
//
// Project and workflow DTOs use camelCase JSON tags. Step artifacts are passed
// through in their stored snake_case document form so API consumers read the
// same schema that is persisted.
package api
