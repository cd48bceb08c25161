package ffprobe

import (
	"context"
	"errors"
	"math"
	"testing"
)

const sampleOutput = `{
  "streams": [
    {"index": 0, "codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080, "r_frame_rate": "30000/1001", "avg_frame_rate": "0/0"},
    {"index": 1, "codec_type": "audio", "codec_name": "aac", "sample_rate": "48000", "channels": 2}
  ],
  "format": {"filename": "demo.mp4", "nb_streams": 2, "duration": "12.500000"}
}`

func TestInspectWithRunner(t *testing.T) {
	var gotArgs []string
	run := func(_ context.Context, binary string, args ...string) ([]byte, error) {
		if binary != "ffprobe" {
			t.Fatalf("unexpected binary %q", binary)
		}
		gotArgs = args
		return []byte(sampleOutput), nil
	}
	result, err := InspectWith(context.Background(), run, "", "/videos/demo.mp4")
	if err != nil {
		t.Fatalf("InspectWith: %v", err)
	}
	if gotArgs[len(gotArgs)-1] != "/videos/demo.mp4" {
		t.Fatalf("expected path as last arg, got %v", gotArgs)
	}
	if fps := result.FrameRate(); math.Abs(fps-29.97) > 0.01 {
		t.Fatalf("unexpected fps %v", fps)
	}
	if w, h := result.Dimensions(); w != 1920 || h != 1080 {
		t.Fatalf("unexpected dimensions %dx%d", w, h)
	}
	if !result.HasAudio() {
		t.Fatal("expected audio")
	}
	if result.DurationSeconds() != 12.5 {
		t.Fatalf("unexpected duration %v", result.DurationSeconds())
	}
}

func TestInspectRunnerFailure(t *testing.T) {
	run := func(context.Context, string, ...string) ([]byte, error) { return nil, errors.New("exit 1") }
	if _, err := InspectWith(context.Background(), run, "ffprobe", "x.mp4"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := InspectWith(context.Background(), run, "ffprobe", " "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestFrameRateFallbacks(t *testing.T) {
	result := Result{Streams: []Stream{{CodecType: "video", RFrameRate: "0/0", AvgFrameRate: "25/1"}}}
	if result.FrameRate() != 25 {
		t.Fatalf("expected avg fallback, got %v", result.FrameRate())
	}
	result = Result{Streams: []Stream{{CodecType: "audio"}}}
	if result.FrameRate() != 0 || result.HasAudio() != true {
		t.Fatalf("unexpected helpers for audio-only result")
	}
}

func TestResultHelpersHandleInvalidNumbers(t *testing.T) {
	result := Result{Format: Format{Duration: "bad"}}
	if !math.IsNaN(result.DurationSeconds()) {
		t.Fatalf("expected duration NaN, got %v", result.DurationSeconds())
	}
	if parseRational("x/y") != 0 {
		t.Fatal("expected 0 for malformed rational")
	}
}
