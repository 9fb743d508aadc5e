package store

import "testing"

func TestNormalizeContentType(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", DefaultContentType},
		{"application/json", "application/json"},
		{"Application/JSON", "application/json"},
		{"application/json; charset=utf-8", "application/json"},
		{"  text/plain  ", "text/plain"},
	}
	for _, tt := range tests {
		if got := NormalizeContentType(tt.in); got != tt.want {
			t.Errorf("NormalizeContentType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsJSONContentType(t *testing.T) {
	tests := []struct {
		ct   string
		want bool
	}{
		{"application/json", true},
		{"application/JSON; charset=utf-8", true},
		{"application/vnd.api+json", true},
		{"text/plain", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsJSONContentType(tt.ct); got != tt.want {
			t.Errorf("IsJSONContentType(%q) = %v, want %v", tt.ct, got, tt.want)
		}
	}
}

func TestContentTypesMatch(t *testing.T) {
	if !ContentTypesMatch("application/json; charset=utf-8", "APPLICATION/JSON") {
		t.Errorf("expected content types to match after normalization")
	}
	if ContentTypesMatch("application/json", "text/plain") {
		t.Errorf("expected mismatched content types to not match")
	}
}
