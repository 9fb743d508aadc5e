package store

import "fmt"

// FormatETag renders the quoted "base64(path):startOffset:endOffset" weak
// identity (spec §3). Embedding the path makes collisions across distinct
// paths structurally impossible.
func FormatETag(path string, start, end Offset) string {
	return fmt.Sprintf("%q", EncodePath(path)+":"+start.String()+":"+end.String())
}

// ETagMatches reports whether ifNoneMatch (as supplied on an If-None-Match
// header, including surrounding quotes) exactly matches the freshly
// computed ETag for (path, start, end).
func ETagMatches(ifNoneMatch, path string, start, end Offset) bool {
	return ifNoneMatch != "" && ifNoneMatch == FormatETag(path, start, end)
}
