package language

import "testing"

func TestToISO2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"en", "en"},
		{"EN", "en"},
		{"en-US", "en"},
		{"pt-BR", "pt"},
		{"eng", "en"},
		{"deu", "de"},
		{"ger", "de"},
		{"fre", "fr"},
		{"English", "en"},
		{"JAPANESE", "ja"},
		{"auto", ""},
		{"", ""},
		{"  ", ""},
		{"not a language", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ToISO2(tt.input); got != tt.expected {
				t.Errorf("ToISO2(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestDisplayName(t *testing.T) {
	if got := DisplayName("en"); got != "English" {
		t.Fatalf("DisplayName(en) = %q", got)
	}
	if got := DisplayName("ger"); got != "German" {
		t.Fatalf("DisplayName(ger) = %q", got)
	}
	if got := DisplayName(""); got != "Unknown" {
		t.Fatalf("DisplayName(empty) = %q", got)
	}
	if got := DisplayName("zz zz"); got != "ZZ ZZ" {
		t.Fatalf("DisplayName(garbage) = %q", got)
	}
}
