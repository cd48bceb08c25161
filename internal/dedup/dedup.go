package dedup

import (
	"context"
	"log/slog"

	"stepforge/internal/imagehash"
	"stepforge/internal/logging"
	"stepforge/internal/services"
)

// DefaultThreshold is the Hamming distance a frame must exceed to be kept.
const DefaultThreshold = 6

const decisionType = "frame_dedup"

// Candidate is one frame in extraction order.
type Candidate struct {
	Filename    string
	TimestampMs int64
	FrameNumber int
	DiffScore   int
}

// Kept is a candidate that survived deduplication.
type Kept struct {
	Candidate
	Path          string
	Hash          imagehash.Hash
	Distance      int
	ChangedRegion *imagehash.NormalizedRect
}

// RegionDetector computes the changed area between two frame files.
type RegionDetector interface {
	Detect(ctx context.Context, prevPath, nextPath string) *imagehash.NormalizedRect
}

// PathResolver maps a candidate filename to a readable path.
type PathResolver func(filename string) string

// Deduplicator walks candidates in order and keeps perceptually new frames.
type Deduplicator struct {
	threshold int
	resolve   PathResolver
	regions   RegionDetector
	logger    *slog.Logger
}

// New builds a deduplicator. A threshold below zero selects DefaultThreshold
// and a nil detector leaves every ChangedRegion nil.
func New(threshold int, resolve PathResolver, regions RegionDetector, logger *slog.Logger) *Deduplicator {
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	if resolve == nil {
		resolve = func(name string) string { return name }
	}
	return &Deduplicator{
		threshold: threshold,
		resolve:   resolve,
		regions:   regions,
		logger:    logging.NewComponentLogger(logger, "dedup"),
	}
}

// Run returns the order-preserving subsequence of candidates whose hash
// differs from the last kept frame by more than the threshold. The first
// candidate is always kept and has no changed region. Any unreadable frame
// aborts the pass.
func (d *Deduplicator) Run(ctx context.Context, candidates []Candidate) ([]Kept, error) {
	kept := make([]Kept, 0, len(candidates))
	for idx, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := d.resolve(candidate.Filename)
		hash, err := imagehash.HashFile(path)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "dedup", "hash frame", candidate.Filename, err)
		}
		if len(kept) == 0 {
			logging.Decision(d.logger, "frame kept", decisionType, "kept", "first_frame",
				logging.Int("index", idx),
				logging.String("filename", candidate.Filename))
			kept = append(kept, Kept{Candidate: candidate, Path: path, Hash: hash})
			continue
		}
		last := kept[len(kept)-1]
		distance := imagehash.Distance(last.Hash, hash)
		if distance <= d.threshold {
			logging.Decision(d.logger, "frame dropped", decisionType, "dropped", "within_threshold",
				logging.Int("index", idx),
				logging.String("filename", candidate.Filename),
				logging.String("compared_to", last.Filename),
				logging.Int("distance", distance))
			continue
		}
		logging.Decision(d.logger, "frame kept", decisionType, "kept", "above_threshold",
			logging.Int("index", idx),
			logging.String("filename", candidate.Filename),
			logging.String("compared_to", last.Filename),
			logging.Int("distance", distance))
		entry := Kept{Candidate: candidate, Path: path, Hash: hash, Distance: distance}
		if d.regions != nil {
			entry.ChangedRegion = d.regions.Detect(ctx, last.Path, path)
		}
		kept = append(kept, entry)
	}
	d.logger.Info("dedup complete",
		logging.Int("candidates", len(candidates)),
		logging.Int("kept", len(kept)),
		logging.Int("threshold", d.threshold))
	return kept, nil
}
