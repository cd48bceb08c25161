// Package language normalizes the language hints passed to speech
// recognizers. Configuration may name a language as an ISO 639-1 or 639-2
// code, a BCP 47 tag, or an English word; recognizers want ISO 639-1.
package language
