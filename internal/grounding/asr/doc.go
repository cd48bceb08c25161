// Package asr is the speech-to-text grounding adapter.
//
// New selects a backend from the asr.provider setting: "none" returns an
// empty transcript flagged as disabled, "whisperx" runs the local WhisperX
// recognizer, and "openai" posts the audio to an OpenAI-compatible
// /audio/transcriptions endpoint. Remote results are cached in the pipeline
// cache keyed by the audio digest, provider, model, language, and prompt
// version.
//
// Every backend shares the same front half: ffprobe confirms an audio stream
// exists (a video without one yields an empty transcript and a warning), and
// ffmpeg extracts a mono 16 kHz WAV into a private temp directory that is
// removed before Transcribe returns.
package asr
