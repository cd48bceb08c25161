package pipelinecache_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"stepforge/internal/logging"
	"stepforge/internal/pipelinecache"
)

type ocrValue struct {
	Lines      []string `json:"lines"`
	Confidence float64  `json:"confidence"`
}

func openStore(t *testing.T, compress bool) *pipelinecache.Store {
	t.Helper()
	store, err := pipelinecache.Open(t.TempDir(), compress, logging.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestKeyIgnoresObjectKeyOrder(t *testing.T) {
	a := map[string]any{"provider": "openrouter", "model": "m", "nested": map[string]any{"b": 1, "a": 2}}
	b := map[string]any{"nested": map[string]any{"a": 2, "b": 1}, "model": "m", "provider": "openrouter"}

	ka, err := pipelinecache.Key("ocr", a)
	if err != nil {
		t.Fatal(err)
	}
	kb, err := pipelinecache.Key("ocr", b)
	if err != nil {
		t.Fatal(err)
	}
	if ka != kb {
		t.Fatalf("expected equal keys, got %s and %s", ka, kb)
	}
	kc, err := pipelinecache.Key("steps", a)
	if err != nil {
		t.Fatal(err)
	}
	if kc == ka {
		t.Fatal("namespace must participate in the key")
	}
}

func TestKeyStructAndMapAgree(t *testing.T) {
	type desc struct {
		Provider string `json:"provider"`
		Hash     string `json:"hash"`
	}
	ks, err := pipelinecache.Key("asr", desc{Provider: "openai", Hash: "abc"})
	if err != nil {
		t.Fatal(err)
	}
	km, err := pipelinecache.Key("asr", map[string]string{"hash": "abc", "provider": "openai"})
	if err != nil {
		t.Fatal(err)
	}
	if ks != km {
		t.Fatal("struct and map descriptors with equal content must share a key")
	}
}

func TestGetMissThenHit(t *testing.T) {
	for _, compress := range []bool{false, true} {
		store := openStore(t, compress)
		desc := map[string]string{"image": pipelinecache.HashBytes([]byte("png")), "prompt": "ocr-v2"}

		var got ocrValue
		found, err := store.Get(pipelinecache.NamespaceOCR, desc, &got)
		if err != nil || found {
			t.Fatalf("expected miss, got found=%v err=%v", found, err)
		}

		want := ocrValue{Lines: []string{"File", "Save"}, Confidence: 0.9}
		if err := store.Put(pipelinecache.NamespaceOCR, desc, want); err != nil {
			t.Fatalf("Put: %v", err)
		}
		found, err = store.Get(pipelinecache.NamespaceOCR, desc, &got)
		if err != nil || !found {
			t.Fatalf("expected hit, got found=%v err=%v", found, err)
		}
		if len(got.Lines) != 2 || got.Lines[1] != "Save" || got.Confidence != 0.9 {
			t.Fatalf("unexpected value %+v", got)
		}
		stats := store.Stats()
		if stats.Hits != 1 || stats.Misses != 1 {
			t.Fatalf("unexpected stats %+v", stats)
		}
	}
}

func TestEntryLayout(t *testing.T) {
	store := openStore(t, false)
	desc := map[string]string{"k": "v"}
	if err := store.Put("steps", desc, map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	key, _ := pipelinecache.Key("steps", desc)
	if _, err := os.Stat(filepath.Join(store.Root(), "steps", key+".json")); err != nil {
		t.Fatalf("expected entry file: %v", err)
	}
}

func TestCorruptEntryIsEvicted(t *testing.T) {
	for _, tc := range []struct {
		name     string
		compress bool
		file     string
	}{
		{name: "plain", file: ".json"},
		{name: "zstd", compress: true, file: ".json.zst"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := openStore(t, tc.compress)
			desc := map[string]string{"k": "v"}
			key, _ := pipelinecache.Key("ocr", desc)
			path := filepath.Join(store.Root(), "ocr", key+tc.file)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
				t.Fatal(err)
			}

			var out ocrValue
			found, err := store.Get("ocr", desc, &out)
			if found || err != nil {
				t.Fatalf("expected corrupt entry to read as a miss, got found=%v err=%v", found, err)
			}
			if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("expected corrupt entry removed, stat err=%v", err)
			}
			if stats := store.Stats(); stats.Misses != 1 || stats.Hits != 0 {
				t.Fatalf("unexpected stats %+v", stats)
			}

			if err := store.Put("ocr", desc, ocrValue{Lines: []string{"Save"}, Confidence: 0.9}); err != nil {
				t.Fatalf("Put: %v", err)
			}
			found, err = store.Get("ocr", desc, &out)
			if !found || err != nil || out.Lines[0] != "Save" {
				t.Fatalf("expected rewritten entry, got found=%v err=%v out=%+v", found, err, out)
			}
		})
	}
}

func TestNilStoreIsDisabled(t *testing.T) {
	var store *pipelinecache.Store
	if err := store.Put("ocr", "x", 1); err != nil {
		t.Fatalf("nil Put: %v", err)
	}
	var out int
	found, err := store.Get("ocr", "x", &out)
	if found || err != nil {
		t.Fatalf("nil Get: found=%v err=%v", found, err)
	}
}

func TestInvalidNamespace(t *testing.T) {
	if _, err := pipelinecache.Key("../escape", nil); err == nil {
		t.Fatal("expected error for path-like namespace")
	}
}
