package asr

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"stepforge/internal/config"
	"stepforge/internal/logging"
	"stepforge/internal/pipelinecache"
	"stepforge/internal/services"
	"stepforge/internal/testsupport"
)

const (
	probeWithAudio    = `{"streams":[{"index":0,"codec_type":"video"},{"index":1,"codec_type":"audio"}],"format":{"duration":"4.0"}}`
	probeWithoutAudio = `{"streams":[{"index":0,"codec_type":"video"}],"format":{"duration":"4.0"}}`
)

func fakeProbe(output string) func(context.Context, string, ...string) ([]byte, error) {
	return func(context.Context, string, ...string) ([]byte, error) { return []byte(output), nil }
}

// fakeFFmpeg writes a small WAV stand-in to the last argument.
func fakeFFmpeg(t *testing.T, audio []byte, extra func(name string, args []string) error) CommandRunner {
	t.Helper()
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if strings.Contains(name, "ffmpeg") {
			return nil, os.WriteFile(args[len(args)-1], audio, 0o644)
		}
		if extra != nil {
			return nil, extra(name, args)
		}
		return nil, nil
	}
}

func assertTempEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read temp root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected temp root to be empty, found %d entries", len(entries))
	}
}

func TestDisabledProvider(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.ASR.Provider = config.ProviderNone
	tr, err := New(cfg, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	transcript, err := tr.Transcribe(context.Background(), "video.mp4")
	if err != nil {
		t.Fatalf("Transcribe returned error: %v", err)
	}
	if !transcript.Disabled || len(transcript.Segments) != 0 {
		t.Fatalf("expected empty disabled transcript, got %+v", transcript)
	}
}

func TestUnknownProviderAndMissingKey(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.ASR.Provider = "vosk"
	if _, err := New(cfg, nil, nil); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	cfg.ASR.Provider = config.ProviderOpenAI
	cfg.ASR.APIKey = ""
	if _, err := New(cfg, nil, nil); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error for missing key, got %v", err)
	}
}

func TestNoAudioStreamYieldsWarning(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.ASR.Provider = config.ProviderWhisperX
	tempRoot := t.TempDir()
	var ran atomic.Bool
	tr, err := New(cfg, nil, logging.NewNop(),
		WithProbeRunner(fakeProbe(probeWithoutAudio)),
		WithCommandRunner(func(context.Context, string, ...string) ([]byte, error) {
			ran.Store(true)
			return nil, nil
		}),
		WithTempRoot(tempRoot),
	)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	transcript, err := tr.Transcribe(context.Background(), "video.mp4")
	if err != nil {
		t.Fatalf("Transcribe returned error: %v", err)
	}
	if len(transcript.Segments) != 0 || len(transcript.Warnings) != 1 || transcript.Disabled {
		t.Fatalf("expected empty transcript with one warning, got %+v", transcript)
	}
	if ran.Load() {
		t.Fatal("expected no ffmpeg or recognizer call without audio")
	}
	assertTempEmpty(t, tempRoot)
}

func TestWhisperXBackend(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.ASR.Provider = config.ProviderWhisperX
	cfg.ASR.Language = "english"
	tempRoot := t.TempDir()
	run := fakeFFmpeg(t, []byte("RIFF"), func(name string, args []string) error {
		var outDir, source string
		for i, arg := range args {
			if arg == "--output_dir" {
				outDir = args[i+1]
			}
			if arg == "whisperx" {
				source = args[i+1]
			}
		}
		base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
		out := `{"segments":[{"text":" Click File","start":0.0,"end":1.5},{"text":"then Save","start":1.5,"end":3.0}]}`
		return os.WriteFile(filepath.Join(outDir, base+".json"), []byte(out), 0o644)
	})
	tr, err := New(cfg, nil, logging.NewNop(), WithProbeRunner(fakeProbe(probeWithAudio)), WithCommandRunner(run), WithTempRoot(tempRoot))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	transcript, err := tr.Transcribe(context.Background(), "video.mp4")
	if err != nil {
		t.Fatalf("Transcribe returned error: %v", err)
	}
	if len(transcript.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %+v", transcript.Segments)
	}
	if transcript.Segments[1].StartMs != 1500 || transcript.Segments[1].EndMs != 3000 {
		t.Fatalf("unexpected timing %+v", transcript.Segments[1])
	}
	if transcript.Language != "en" || transcript.Provider != config.ProviderWhisperX {
		t.Fatalf("unexpected transcript metadata %+v", transcript)
	}
	assertTempEmpty(t, tempRoot)
}

func TestExtractionFailureCleansUp(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.ASR.Provider = config.ProviderWhisperX
	tempRoot := t.TempDir()
	run := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("bad input"), errors.New("exit status 1")
	}
	tr, err := New(cfg, nil, logging.NewNop(), WithProbeRunner(fakeProbe(probeWithAudio)), WithCommandRunner(run), WithTempRoot(tempRoot))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if _, err := tr.Transcribe(context.Background(), "video.mp4"); !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
	assertTempEmpty(t, tempRoot)
}

func TestOpenAIBackendCachesByAudioHash(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.FormValue("response_format"); got != "verbose_json" {
			t.Errorf("unexpected response_format %q", got)
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			data, _ := io.ReadAll(file)
			if string(data) != "RIFFDATA" {
				t.Errorf("unexpected audio payload %q", data)
			}
		}
		_, _ = io.WriteString(w, `{"text":"hello there","segments":[{"start":0.25,"end":1.0,"text":" hello there","avg_logprob":0,"no_speech_prob":0}]}`)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.ASR.Provider = config.ProviderOpenAI
	cfg.ASR.APIKey = "sk-test"
	cfg.ASR.BaseURL = server.URL + "/v1"
	cache, err := pipelinecache.Open(t.TempDir(), false, logging.NewNop())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer cache.Close()

	tempRoot := t.TempDir()
	tr, err := New(cfg, cache, logging.NewNop(),
		WithProbeRunner(fakeProbe(probeWithAudio)),
		WithCommandRunner(fakeFFmpeg(t, []byte("RIFFDATA"), nil)),
		WithTempRoot(tempRoot),
	)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	for i := 0; i < 2; i++ {
		transcript, err := tr.Transcribe(context.Background(), "video.mp4")
		if err != nil {
			t.Fatalf("Transcribe #%d returned error: %v", i, err)
		}
		if len(transcript.Segments) != 1 || transcript.Segments[0].Text != "hello there" {
			t.Fatalf("unexpected segments %+v", transcript.Segments)
		}
		if transcript.Segments[0].StartMs != 250 || transcript.Segments[0].Confidence != 1 {
			t.Fatalf("unexpected segment %+v", transcript.Segments[0])
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one remote call, got %d", calls.Load())
	}
	assertTempEmpty(t, tempRoot)
}

func TestOpenAIBackendAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid key", http.StatusUnauthorized)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.ASR.Provider = config.ProviderOpenAI
	cfg.ASR.APIKey = "sk-bad"
	cfg.ASR.BaseURL = server.URL
	tr, err := New(cfg, nil, logging.NewNop(),
		WithProbeRunner(fakeProbe(probeWithAudio)),
		WithCommandRunner(fakeFFmpeg(t, []byte("RIFF"), nil)),
		WithTempRoot(t.TempDir()),
	)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if _, err := tr.Transcribe(context.Background(), "video.mp4"); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestOpenAIBackendUntimedTextSpansRecording(t *testing.T) {
	cases := []struct {
		name   string
		reply  string
		wantMs int64
	}{
		{name: "reported duration", reply: `{"text":" hello there ","duration":3.5}`, wantMs: 3500},
		{name: "probed duration", reply: `{"text":"hello there"}`, wantMs: 4000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, tc.reply)
			}))
			defer server.Close()

			cfg := testsupport.NewConfig(t)
			cfg.ASR.Provider = config.ProviderOpenAI
			cfg.ASR.APIKey = "sk-test"
			cfg.ASR.BaseURL = server.URL
			tr, err := New(cfg, nil, logging.NewNop(),
				WithProbeRunner(fakeProbe(probeWithAudio)),
				WithCommandRunner(fakeFFmpeg(t, []byte("RIFF"), nil)),
				WithTempRoot(t.TempDir()),
			)
			if err != nil {
				t.Fatalf("New returned error: %v", err)
			}
			transcript, err := tr.Transcribe(context.Background(), "video.mp4")
			if err != nil {
				t.Fatalf("Transcribe returned error: %v", err)
			}
			if len(transcript.Segments) != 1 {
				t.Fatalf("expected one segment, got %+v", transcript.Segments)
			}
			seg := transcript.Segments[0]
			if seg.StartMs != 0 || seg.EndMs != tc.wantMs || seg.Text != "hello there" {
				t.Fatalf("unexpected segment %+v", seg)
			}
		})
	}
}

func TestSnippetOverlapInclusive(t *testing.T) {
	tr := Transcript{Segments: []Segment{
		{StartMs: 0, EndMs: 1000, Text: "first"},
		{StartMs: 1000, EndMs: 2000, Text: "second"},
		{StartMs: 1500, EndMs: 2500, Text: "overlapping"},
		{StartMs: 3000, EndMs: 4000, Text: "later"},
	}}
	if got := tr.Snippet(1000, 1500); got != "first second overlapping" {
		t.Fatalf("unexpected snippet %q", got)
	}
	if got := tr.Snippet(2600, 2900); got != "" {
		t.Fatalf("expected empty snippet, got %q", got)
	}
	if got := tr.Snippet(4000, 5000); got != "later" {
		t.Fatalf("expected end boundary to be inclusive, got %q", got)
	}
}
