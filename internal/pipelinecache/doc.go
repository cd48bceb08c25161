// Package pipelinecache stores expensive stage results on disk keyed by a
// content hash of the request that produced them.
//
// A key is the SHA-256 of the canonical JSON (recursively sorted keys) of
// {namespace, descriptor}. Binary inputs are hashed with HashBytes and only the
// digest goes into the descriptor. Entries are written once and never expire:
// changing any descriptor field, such as a prompt version, is how callers
// invalidate. Concurrent writers of the same key race harmlessly because every
// write is an atomic rename of an equal value.
//
// A nil *Store is valid and behaves as a disabled cache.
package pipelinecache
