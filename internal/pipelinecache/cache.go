package pipelinecache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"stepforge/internal/fileutil"
	"stepforge/internal/logging"
	"stepforge/internal/services"
)

// Namespaces used by the pipeline stages.
const (
	NamespaceASR   = "asr"
	NamespaceOCR   = "ocr"
	NamespaceSteps = "steps"
)

var namespacePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Store is a directory-backed cache.
type Store struct {
	root     string
	compress bool
	logger   *slog.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	hits   atomic.Int64
	misses atomic.Int64
}

// Stats reports lookup counters since the store was opened.
type Stats struct {
	Hits   int64
	Misses int64
}

// Open prepares a store rooted at root. When compress is set new entries are
// written zstd-compressed as <digest>.json.zst; plain entries stay readable.
func Open(root string, compress bool, logger *slog.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: cache root is empty", services.ErrConfiguration)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	return &Store{
		root:     root,
		compress: compress,
		logger:   logging.NewComponentLogger(logger, "pipelinecache"),
		encoder:  enc,
		decoder:  dec,
	}, nil
}

// Close releases the codec resources.
func (s *Store) Close() {
	if s == nil {
		return
	}
	s.decoder.Close()
	_ = s.encoder.Close()
}

// Root returns the cache directory, or "" for a disabled store.
func (s *Store) Root() string {
	if s == nil {
		return ""
	}
	return s.root
}

// Stats returns hit and miss counters.
func (s *Store) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{Hits: s.hits.Load(), Misses: s.misses.Load()}
}

// Get loads the entry for (namespace, descriptor) into out. It reports false
// when no entry exists. An entry that cannot be read back is removed and
// counted as a miss so the caller recomputes and overwrites it; only a failed
// removal is returned, wrapping services.ErrValidation.
func (s *Store) Get(namespace string, descriptor any, out any) (bool, error) {
	if s == nil {
		return false, nil
	}
	key, err := Key(namespace, descriptor)
	if err != nil {
		return false, err
	}
	data, path, err := s.read(namespace, key)
	if err == nil && data != nil {
		if uerr := json.Unmarshal(data, out); uerr != nil {
			err = services.Wrap(services.ErrValidation, "cache", "decode entry", filepath.Base(path), uerr)
		}
	}
	if err != nil {
		if evictErr := s.evict(path); evictErr != nil {
			return false, errors.Join(err, evictErr)
		}
		s.misses.Add(1)
		s.logger.Warn("corrupt cache entry evicted",
			logging.String("namespace", namespace),
			logging.String("key", key),
			logging.Error(err),
			logging.String(logging.FieldEventType, "cache_entry_evicted"),
			logging.String(logging.FieldImpact, "the value is recomputed on this lookup"),
		)
		return false, nil
	}
	if data == nil {
		s.misses.Add(1)
		s.logger.Debug("cache miss", logging.String("namespace", namespace), logging.String("key", key))
		return false, nil
	}
	s.hits.Add(1)
	s.logger.Debug("cache hit", logging.String("namespace", namespace), logging.String("key", key))
	return true, nil
}

func (s *Store) evict(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("evict cache entry: %w", err)
	}
	return nil
}

// Put stores value under (namespace, descriptor), replacing any previous entry.
func (s *Store) Put(namespace string, descriptor any, value any) error {
	if s == nil {
		return nil
	}
	key, err := Key(namespace, descriptor)
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	path := s.entryPath(namespace, key, s.compress)
	if s.compress {
		data = s.encoder.EncodeAll(data, nil)
	}
	if err := fileutil.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

func (s *Store) read(namespace, key string) ([]byte, string, error) {
	for _, compressed := range []bool{s.compress, !s.compress} {
		path := s.entryPath(namespace, key, compressed)
		raw, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, path, services.Wrap(services.ErrValidation, "cache", "read entry", filepath.Base(path), err)
		}
		if !compressed {
			return raw, path, nil
		}
		data, err := s.decoder.DecodeAll(raw, nil)
		if err != nil {
			return nil, path, services.Wrap(services.ErrValidation, "cache", "decompress entry", filepath.Base(path), err)
		}
		return data, path, nil
	}
	return nil, "", nil
}

func (s *Store) entryPath(namespace, key string, compressed bool) string {
	name := key + ".json"
	if compressed {
		name += ".zst"
	}
	return filepath.Join(s.root, namespace, name)
}

// Key derives the digest for (namespace, descriptor).
func Key(namespace string, descriptor any) (string, error) {
	if !namespacePattern.MatchString(namespace) {
		return "", fmt.Errorf("%w: invalid cache namespace %q", services.ErrValidation, namespace)
	}
	canonical, err := CanonicalJSON(map[string]any{
		"namespace":  namespace,
		"descriptor": descriptor,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON encodes v with object keys sorted at every depth and numbers
// preserved exactly as written.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode descriptor: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("normalize descriptor: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Maps marshal with sorted keys, so a generic round trip is canonical.
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("encode canonical descriptor: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// HashBytes returns the hex SHA-256 of data for embedding in descriptors.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
