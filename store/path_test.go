package store

import (
	"strings"
	"testing"
)

func TestEncodeDecodePathRoundTrip(t *testing.T) {
	paths := []string{"/foo", "/foo/bar/baz", "/with spaces/and?query=1", ""}
	for _, p := range paths {
		encoded := EncodePath(p)
		decoded, err := DecodePath(encoded)
		if err != nil {
			t.Fatalf("DecodePath(%q) error: %v", encoded, err)
		}
		if decoded != p {
			t.Errorf("round trip failed: want %q, got %q", p, decoded)
		}
	}
}

func TestEncodePathTruncatesLongPaths(t *testing.T) {
	long := "/" + strings.Repeat("a", 500)
	encoded := EncodePath(long)
	if len(encoded) != truncatedPathLen+1+16 {
		t.Fatalf("expected truncated length %d, got %d", truncatedPathLen+1+16, len(encoded))
	}
	if !strings.Contains(encoded, "~") {
		t.Errorf("expected truncated encoding to contain hash suffix marker")
	}

	// Truncation must not fail to decode even though it no longer
	// reproduces the original path.
	decoded, err := DecodePath(encoded)
	if err != nil {
		t.Fatalf("unexpected error decoding truncated path: %v", err)
	}
	if decoded == long {
		t.Errorf("expected decoded truncated path to differ from the original")
	}
}

func TestEncodePathShortPathUnaffected(t *testing.T) {
	short := "/abc"
	encoded := EncodePath(short)
	if strings.Contains(encoded, "~") {
		t.Errorf("short path should not carry a hash suffix")
	}
	if len(encoded) > maxEncodedPathLen {
		t.Errorf("unexpectedly long encoding for short path")
	}
}
