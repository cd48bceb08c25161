// Package runlog collects the lifecycle events of one pipeline run and writes
// them once, as JSON Lines, to projects/<id>/outputs/<run>/log.jsonl.
package runlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"stepforge/internal/objectstore"
)

// Event names.
const (
	EventPipelineStart    = "pipeline_start"
	EventASRComplete      = "asr_complete"
	EventStepSucceeded    = "step_succeeded"
	EventStepFailed       = "step_failed"
	EventPipelineComplete = "pipeline_complete"
	EventPipelineFailed   = "pipeline_failed"
)

// ErrAlreadyWritten is returned by a second Write of the same log.
var ErrAlreadyWritten = errors.New("run log already written")

// Log buffers events for one run. The zero value is not usable; use New.
// A nil *Log accepts and drops events.
type Log struct {
	projectID int64
	runID     string
	now       func() time.Time

	mu      sync.Mutex
	events  []map[string]any
	written bool
}

// New starts an empty log for a run.
func New(projectID int64, runID string) *Log {
	return &Log{projectID: projectID, runID: runID, now: time.Now}
}

// RunID returns the run identifier.
func (l *Log) RunID() string {
	if l == nil {
		return ""
	}
	return l.runID
}

// Record appends an event. Payload keys ts and event are reserved.
func (l *Log) Record(event string, payload map[string]any) {
	if l == nil {
		return
	}
	entry := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		entry[k] = v
	}
	entry["ts"] = l.now().UTC().Format(time.RFC3339Nano)
	entry["event"] = event

	l.mu.Lock()
	l.events = append(l.events, entry)
	l.mu.Unlock()
}

// Events returns the event names recorded so far, in order.
func (l *Log) Events() []string {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, len(l.events))
	for i, e := range l.events {
		names[i], _ = e["event"].(string)
	}
	return names
}

// Encode renders the buffered events as JSON Lines.
func (l *Log) Encode() ([]byte, error) {
	if l == nil {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range l.events {
		if err := enc.Encode(e); err != nil {
			return nil, fmt.Errorf("encode run log event: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// Write stores the log under its run key. It succeeds at most once.
func (l *Log) Write(ctx context.Context, docs objectstore.Store) (string, error) {
	if l == nil {
		return "", nil
	}
	l.mu.Lock()
	if l.written {
		l.mu.Unlock()
		return "", ErrAlreadyWritten
	}
	l.written = true
	l.mu.Unlock()

	data, err := l.Encode()
	if err != nil {
		return "", err
	}
	key := objectstore.RunLogKey(l.projectID, l.runID)
	ref, err := docs.Put(ctx, key, data, objectstore.ContentTypeFor(key))
	if err != nil {
		return "", fmt.Errorf("store run log: %w", err)
	}
	return ref, nil
}

type contextKey struct{}

// WithLog attaches l to ctx so stages can record events.
func WithLog(ctx context.Context, l *Log) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the run log carried by ctx, or nil.
func FromContext(ctx context.Context) *Log {
	if ctx == nil {
		return nil
	}
	l, _ := ctx.Value(contextKey{}).(*Log)
	return l
}
