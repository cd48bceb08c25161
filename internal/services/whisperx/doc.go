// Package whisperx runs the WhisperX speech recognizer through uvx and reads
// its JSON output into timed segments.
//
// The service is the local, offline backend of the ASR grounding adapter.
// Audio extraction happens upstream; TranscribeFile expects a mono 16 kHz WAV.
package whisperx
