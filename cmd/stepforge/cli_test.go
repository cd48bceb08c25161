package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"stepforge/internal/artifact"
	"stepforge/internal/config"
	"stepforge/internal/daemon"
	"stepforge/internal/logging"
	"stepforge/internal/objectstore"
	"stepforge/internal/queue"
	"stepforge/internal/stage"
	"stepforge/internal/testsupport"
	"stepforge/internal/workflow"
)

type noopStage struct{}

func (noopStage) Prepare(context.Context, *queue.Project) error { return nil }
func (noopStage) Execute(context.Context, *queue.Project) error { return nil }
func (noopStage) HealthCheck(context.Context) stage.Health {
	return stage.Ready("noop", "")
}

type noopRegenerator struct{}

func (noopRegenerator) Regenerate(_ context.Context, _ int64, stepID string, frameID int64) (*artifact.Entry, error) {
	return &artifact.Entry{StepID: stepID, FrameID: frameID, Title: "Open settings", Confidence: 0.9}, nil
}

func (noopRegenerator) AttachAudio(context.Context, int64, string, string) error { return nil }

func (noopRegenerator) ArtifactConfig() artifact.Config { return artifact.Config{} }

type cliTestEnv struct {
	cfg        *config.Config
	store      *queue.Store
	configPath string
	apiAddr    string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"ok\":true}"}}]}`))
	}))
	t.Cleanup(gateway.Close)

	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries(), testsupport.WithCacheDisabled(), testsupport.WithLLMEndpoint(gateway.URL))
	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)

	store := testsupport.MustOpenStore(t, cfg)
	docs, err := objectstore.NewLocal(cfg.Storage.LocalRoot)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	logger := logging.NewNop()
	mgr := workflow.NewManager(cfg, store, docs, logger, workflow.WithPollInterval(20*time.Millisecond))
	mgr.ConfigureStages(workflow.StageSet{Extraction: noopStage{}, Transcription: noopStage{}, Synthesis: noopStage{}})

	d, err := daemon.New(cfg, store, docs, logger, mgr, noopRegenerator{})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("daemon.Start: %v", err)
	}
	t.Cleanup(func() { d.Stop(time.Second) })

	return &cliTestEnv{cfg: cfg, store: store, configPath: configPath, apiAddr: d.Addr()}
}

func (e *cliTestEnv) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return runCLI(t, append([]string{"--config", e.configPath, "--api", e.apiAddr}, args...))
}

func runCLI(t *testing.T, args []string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func writeVideo(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("video"), 0o644); err != nil {
		t.Fatalf("write video: %v", err)
	}
	return path
}

// waitForStatus blocks until the daemon's workers leave the project in want.
func waitForStatus(t *testing.T, store *queue.Store, id int64, want queue.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		project, err := store.GetProject(context.Background(), id)
		if err != nil {
			t.Fatalf("GetProject: %v", err)
		}
		if project != nil && project.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("project %d never reached %s", id, want)
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func TestConfigInitValidateShow(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := env.run(t, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")

	target := filepath.Join(t.TempDir(), "nested", "config.toml")
	out, _, err = runCLI(t, []string{"config", "init", "--path", target})
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}); err == nil {
		t.Fatal("expected init to refuse overwriting")
	}

	out, _, err = env.run(t, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, "api_bind")
	if strings.Contains(out, `api_key = 'test'`) || strings.Contains(out, `api_key = "test"`) {
		t.Fatalf("expected api key to be redacted:\n%s", out)
	}
}

func TestProjectLifecycle(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := env.run(t, "project", "add", writeVideo(t, "setup_wizard.mp4"), "--threshold", "4")
	if err != nil {
		t.Fatalf("project add: %v", err)
	}
	requireContains(t, out, "Queued project 1 (setup wizard)")

	out, _, err = env.run(t, "project", "watch", "1", "--interval", "20ms")
	if err != nil {
		t.Fatalf("project watch: %v", err)
	}
	requireContains(t, out, "[completed] 100%")

	out, _, err = env.run(t, "project", "list")
	if err != nil {
		t.Fatalf("project list: %v", err)
	}
	requireContains(t, out, "setup wizard")
	requireContains(t, out, "completed")

	out, _, err = env.run(t, "project", "show", "1", "--json")
	if err != nil {
		t.Fatalf("project show: %v", err)
	}
	var shown struct {
		Status    string `json:"status"`
		Threshold *int   `json:"threshold"`
	}
	if err := json.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatalf("decode show output: %v", err)
	}
	if shown.Status != "completed" || shown.Threshold == nil || *shown.Threshold != 4 {
		t.Fatalf("unexpected project %+v", shown)
	}

	out, _, err = env.run(t, "project", "retry", "1")
	if err != nil {
		t.Fatalf("project retry: %v", err)
	}
	requireContains(t, out, "Project 1 requeued")

	if _, _, err := env.run(t, "project", "show", "42"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestProjectWatchReportsFailure(t *testing.T) {
	env := setupCLITestEnv(t)
	project := testsupport.NewProject(t, env.store, "Broken", "/videos/broken.mp4")
	waitForStatus(t, env.store, project.ID, queue.StatusCompleted)
	if err := env.store.UpdateProjectError(context.Background(), project.ID, "extraction: ffmpeg exited 1"); err != nil {
		t.Fatalf("UpdateProjectError: %v", err)
	}

	_, _, err := env.run(t, "project", "watch", "1", "--interval", "20ms")
	if err == nil || !strings.Contains(err.Error(), "ffmpeg exited 1") {
		t.Fatalf("expected failure message, got %v", err)
	}
}

func TestStepsCommands(t *testing.T) {
	env := setupCLITestEnv(t)
	project := testsupport.NewProject(t, env.store, "Demo", "/videos/demo.mp4")
	waitForStatus(t, env.store, project.ID, queue.StatusCompleted)
	frames := testsupport.SeedFrames(t, env.store, project.ID, 2, 1500)
	for i, f := range frames {
		step := &queue.Step{ProjectID: project.ID, FrameID: f.ID, SortOrder: i, Title: "Click Save", Confidence: 0.75}
		if err := env.store.CreateStep(context.Background(), step); err != nil {
			t.Fatalf("CreateStep: %v", err)
		}
	}

	out, _, err := env.run(t, "steps", "show", "1")
	if err != nil {
		t.Fatalf("steps show: %v", err)
	}
	requireContains(t, out, "Click Save")
	requireContains(t, out, "0.50")

	out, _, err = env.run(t, "steps", "regenerate", "1", "abc", "--frame", "7")
	if err != nil {
		t.Fatalf("steps regenerate: %v", err)
	}
	requireContains(t, out, "Open settings")
	requireContains(t, out, "Frame:")

	out, _, err = env.run(t, "steps", "show", "1", "--json")
	if err != nil {
		t.Fatalf("steps show --json: %v", err)
	}
	var doc artifact.Artifact
	if err := json.Unmarshal([]byte(out), &doc); err != nil || len(doc.Steps) != 2 {
		t.Fatalf("decode steps: %v (%s)", err, out)
	}
	out, _, err = env.run(t, "steps", "audio", "1", doc.Steps[1].StepID, "audio/step-2.mp3")
	if err != nil {
		t.Fatalf("steps audio: %v", err)
	}
	requireContains(t, out, "Step 2: Click Save")
	if _, _, err := env.run(t, "steps", "audio", "1", "missing", "audio/x.mp3"); err == nil {
		t.Fatal("expected error for unknown step")
	}
}

func TestFramesDedupOffline(t *testing.T) {
	env := setupCLITestEnv(t)
	dir := t.TempDir()
	testsupport.WriteImage(t, dir, "001.png", testsupport.SolidGray(64, 64, 128))
	testsupport.WriteImage(t, dir, "002.png", testsupport.SolidGray(64, 64, 128))
	testsupport.WriteImage(t, dir, "003.png", testsupport.Gradient(64, 64, false))
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644); err != nil {
		t.Fatalf("write notes: %v", err)
	}

	out, _, err := env.run(t, "frames", "dedup", dir, "--json")
	if err != nil {
		t.Fatalf("frames dedup: %v", err)
	}
	var kept []dedupResult
	if err := json.Unmarshal([]byte(out), &kept); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(kept) != 2 || kept[0].File != "001.png" || kept[1].File != "003.png" {
		t.Fatalf("unexpected kept frames %+v", kept)
	}
	if kept[1].TimestampMs != 2000 || kept[1].Distance <= 6 {
		t.Fatalf("unexpected second frame %+v", kept[1])
	}

	if _, _, err := env.run(t, "frames", "dedup", t.TempDir()); err == nil {
		t.Fatal("expected an error for a directory without frames")
	}
}

func TestFramesDistanceComparesStoredHashes(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := env.run(t, "frames", "distance", "00000000000000ff", "0000000000000000", "--threshold", "6")
	if err != nil {
		t.Fatalf("frames distance: %v", err)
	}
	requireContains(t, out, "Distance 8 (threshold 6): distinct")

	out, _, err = env.run(t, "frames", "distance", "000000000000000f", strings.Repeat("0", 64), "--threshold", "6")
	if err != nil {
		t.Fatalf("frames distance with bit string: %v", err)
	}
	requireContains(t, out, "Distance 4 (threshold 6): duplicate")

	if _, _, err := env.run(t, "frames", "distance", "xyz", "0000000000000000"); err == nil {
		t.Fatal("expected an error for a malformed hash")
	}
}

func TestDoctorReportsHealthyEnvironment(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := env.run(t, "doctor")
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	requireContains(t, out, "== Dependencies ==")
	requireContains(t, out, "Database:")
	requireContains(t, out, "== Inference ==")
	requireContains(t, out, " reachable")
	requireContains(t, out, "All checks passed")
}

func TestDoctorFailsOnRejectedLLMKey(t *testing.T) {
	env := setupCLITestEnv(t)
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid key"}}`, http.StatusUnauthorized)
	}))
	defer rejecting.Close()
	cfg := *env.cfg
	cfg.LLM.BaseURL = rejecting.URL
	configPath := filepath.Join(t.TempDir(), "config.toml")
	writeTestConfig(t, configPath, &cfg)

	out, _, err := runCLI(t, []string{"--config", configPath, "--api", env.apiAddr, "doctor"})
	if err == nil || !strings.Contains(err.Error(), "problem") {
		t.Fatalf("expected doctor to report a problem, got %v\n%s", err, out)
	}
	requireContains(t, out, "LLM:")
	requireContains(t, out, "[ERROR]")

	out, _, err = runCLI(t, []string{"--config", configPath, "--api", env.apiAddr, "doctor", "--skip-llm"})
	if err != nil {
		t.Fatalf("doctor --skip-llm: %v\n%s", err, out)
	}
	requireContains(t, out, "skipped")
}
