// Package textutil normalizes on-screen and model-produced text.
//
// OCR lines and UI labels are compared across providers and runs, so they are
// reduced to Unicode NFC with control characters removed and whitespace
// collapsed before they are cached, stored, or matched.
package textutil
