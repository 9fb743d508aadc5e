package store

import "testing"

func TestStitchItemsSingleValue(t *testing.T) {
	items, err := stitchItems("/foo", []byte(`{"a":1}`), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 || string(items[0]) != `{"a":1}` {
		t.Errorf("unexpected items: %v", items)
	}
}

func TestStitchItemsFlattensTopLevelArray(t *testing.T) {
	items, err := stitchItems("/foo", []byte(`[{"a":1},{"a":2}]`), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if string(items[0]) != `{"a":1}` || string(items[1]) != `{"a":2}` {
		t.Errorf("unexpected items: %v", items)
	}
}

func TestStitchItemsEmptyArray(t *testing.T) {
	if _, err := stitchItems("/foo", []byte(`[]`), false); err == nil {
		t.Errorf("expected empty array to be rejected on append")
	}
	items, err := stitchItems("/foo", []byte(`[]`), true)
	if err != nil {
		t.Fatalf("unexpected error allowing empty array on create: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected zero items, got %d", len(items))
	}
}

func TestStitchItemsInvalidJSON(t *testing.T) {
	if _, err := stitchItems("/foo", []byte(`not json`), true); err == nil {
		t.Errorf("expected invalid JSON to be rejected")
	}
}

func TestAppendStitchedAndRenderJSONBuffer(t *testing.T) {
	items := [][]byte{[]byte(`{"a":1}`), []byte(`{"a":2}`)}
	buf := appendStitched(nil, items)
	if string(buf) != `{"a":1},{"a":2},` {
		t.Errorf("unexpected stitched buffer: %q", buf)
	}

	rendered := renderJSONBuffer(buf)
	if string(rendered) != `[{"a":1},{"a":2}]` {
		t.Errorf("unexpected rendered JSON: %q", rendered)
	}

	if string(renderJSONBuffer(nil)) != "[]" {
		t.Errorf("expected empty buffer to render as []")
	}
}

func TestAppendStitchedIncremental(t *testing.T) {
	buf := appendStitched(nil, [][]byte{[]byte(`1`)})
	buf = appendStitched(buf, [][]byte{[]byte(`2`)})
	if string(buf) != "1,2," {
		t.Errorf("expected incremental stitching to accumulate, got %q", buf)
	}
	if string(renderJSONBuffer(buf)) != "[1,2]" {
		t.Errorf("unexpected rendered incremental JSON: %q", renderJSONBuffer(buf))
	}
}
