package store

import (
	"bytes"
	"encoding/json"
)

// stitchItems validates body as JSON, flattening a top-level array into
// its elements (one level only) or treating a non-array value as a single
// item. allowEmpty controls whether a top-level empty array is accepted
// (true on create, false on append, per spec §4.1).
func stitchItems(path string, body []byte, allowEmpty bool) ([][]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) {
		return nil, &InvalidJsonError{Path: path, Reason: "body does not parse as JSON"}
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, &InvalidJsonError{Path: path, Reason: "malformed JSON array"}
		}
		if len(arr) == 0 {
			if !allowEmpty {
				return nil, &InvalidJsonError{Path: path, Reason: "empty array not allowed on append"}
			}
			return [][]byte{}, nil
		}
		items := make([][]byte, len(arr))
		for i, elem := range arr {
			items[i] = bytes.TrimSpace([]byte(elem))
		}
		return items, nil
	}
	return [][]byte{trimmed}, nil
}

// appendStitched minifies-and-commas each item onto the trailing-comma
// internal buffer: "item1,item2,...,itemN," (spec §4.1). Each item is
// already-valid JSON text; only its insignificant whitespace is removed
// (no decode/re-encode), which is what keeps an append O(bytes added)
// instead of O(total bytes).
func appendStitched(buf []byte, items [][]byte) []byte {
	for _, item := range items {
		var compact bytes.Buffer
		if err := json.Compact(&compact, item); err == nil {
			item = compact.Bytes()
		}
		buf = append(buf, item...)
		buf = append(buf, ',')
	}
	return buf
}

// renderJSONBuffer strips the trailing comma from the stitched buffer (if
// any) and wraps it as a JSON array. An empty buffer renders as "[]".
func renderJSONBuffer(buf []byte) []byte {
	if len(buf) == 0 {
		return []byte("[]")
	}
	inner := buf
	if inner[len(inner)-1] == ',' {
		inner = inner[:len(inner)-1]
	}
	out := make([]byte, 0, len(inner)+2)
	out = append(out, '[')
	out = append(out, inner...)
	out = append(out, ']')
	return out
}
