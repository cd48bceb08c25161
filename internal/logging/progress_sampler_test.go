package logging

import "testing"

func TestProgressSamplerBuckets(t *testing.T) {
	s := NewProgressSampler(10)
	steps := []struct {
		stage   string
		percent float64
		want    bool
	}{
		{"extracting", 0, true},
		{"extracting", 4, false},
		{"extracting", 10, true},
		{"extracting", 19, false},
		{"transcribing", 50, true},
		{"transcribing", 55, false},
		{"synthesizing", 70, true},
		{"synthesizing", 100, true},
		{"synthesizing", 140, false},
	}
	for i, step := range steps {
		if got := s.ShouldLog(step.stage, step.percent); got != step.want {
			t.Fatalf("step %d (%s %.0f): got %v want %v", i, step.stage, step.percent, got, step.want)
		}
	}
}

func TestProgressSamplerUnknownPercent(t *testing.T) {
	s := NewProgressSampler(0)
	if s.bucketSize != 10 {
		t.Fatalf("expected default bucket size 10, got %v", s.bucketSize)
	}
	if !s.ShouldLog("extracting", -1) {
		t.Fatal("stage change should log even without a percentage")
	}
	if s.ShouldLog("extracting", -1) {
		t.Fatal("unknown percentage on the same stage should not log")
	}
}

func TestProgressSamplerResetAndNil(t *testing.T) {
	s := NewProgressSampler(5)
	s.ShouldLog("synthesizing", 80)
	s.Reset()
	if !s.ShouldLog("synthesizing", 80) {
		t.Fatal("expected log after reset")
	}

	var nilSampler *ProgressSampler
	if !nilSampler.ShouldLog("x", 1) {
		t.Fatal("nil sampler should always log")
	}
	nilSampler.Reset()
}
