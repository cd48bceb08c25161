package testsupport

import (
	"context"
	"testing"

	"stepforge/internal/config"
	"stepforge/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewProject creates a pending project for tests using the provided store.
func NewProject(t testing.TB, store *queue.Store, title, sourcePath string) *queue.Project {
	t.Helper()

	project, err := store.CreateProject(context.Background(), title, sourcePath, queue.Overrides{})
	if err != nil {
		t.Fatalf("store.CreateProject: %v", err)
	}
	return project
}

// SeedFrames inserts count frames spaced intervalMs apart for project.
func SeedFrames(t testing.TB, store *queue.Store, projectID int64, count int, intervalMs int64) []queue.Frame {
	t.Helper()

	frames := make([]queue.Frame, count)
	for i := range frames {
		frames[i] = queue.Frame{
			FrameNumber: int64(i * 30),
			TimestampMs: int64(i) * intervalMs,
			ImageRef:    "frame.png",
			SortOrder:   i,
		}
	}
	created, err := store.CreateFrames(context.Background(), projectID, frames)
	if err != nil {
		t.Fatalf("store.CreateFrames: %v", err)
	}
	return created
}
