package whisperx

// Config selects the recognizer model and hardware. Zero values fall back to
// CPU inference with DefaultModel and the silero VAD.
type Config struct {
	Model       string
	CUDAEnabled bool
	VADMethod   string
	// HFToken is only forwarded with the pyannote VAD, which needs it to
	// download gated weights.
	HFToken string
}

// UVXCommand launches whisperx in an isolated environment.
const UVXCommand = "uvx"

// Narration in a screen recording is one speaker over little background
// noise, so a mid-size model at sentence resolution is enough.
const DefaultModel = "medium"

const (
	VADMethodSilero   = "silero"
	VADMethodPyannote = "pyannote"
)

const (
	CPUDevice      = "cpu"
	CUDADevice     = "cuda"
	CPUComputeType = "float32"
)

const (
	PypiIndexURL = "https://pypi.org/simple"
	CUDAIndexURL = "https://download.pytorch.org/whl/cu128"
)

// Decoder flags passed on every run.
const (
	OutputFormat      = "json"
	SegmentResolution = "sentence"
	BatchSize         = "8"
	ChunkSize         = "20"
	BeamSize          = "5"
	Temperature       = "0.0"
)
