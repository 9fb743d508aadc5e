package store

import (
	"errors"
	"testing"
	"time"
)

func TestIdempotentCreateConflict(t *testing.T) {
	existing := &Metadata{Path: "/foo", ContentType: "application/json"}

	if err := idempotentCreateConflict("/foo", existing, CreateOptions{ContentType: "application/json"}); err != nil {
		t.Errorf("expected matching content type to not conflict, got %v", err)
	}

	err := idempotentCreateConflict("/foo", existing, CreateOptions{ContentType: "text/plain"})
	var ctErr *ContentTypeMismatchError
	if !errors.As(err, &ctErr) {
		t.Errorf("expected ContentTypeMismatchError, got %v", err)
	}

	ttl := int64(60)
	existingWithTTL := &Metadata{Path: "/foo", ContentType: "application/json", TTLSeconds: &ttl}
	err = idempotentCreateConflict("/foo", existingWithTTL, CreateOptions{ContentType: "application/json"})
	var confErr *StreamConflictError
	if !errors.As(err, &confErr) || confErr.Field != "ttl" {
		t.Errorf("expected ttl StreamConflictError, got %v", err)
	}
}

func TestPrepareInitialDataEmpty(t *testing.T) {
	prepared, err := prepareInitialData("/foo", "text/plain", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !prepared.NextOffset.IsInitial() || len(prepared.Buffer) != 0 {
		t.Errorf("expected empty initial data to yield the initial offset, got %+v", prepared)
	}
}

func TestPrepareInitialDataJSON(t *testing.T) {
	prepared, err := prepareInitialData("/foo", "application/json", []byte(`[{"a":1},{"a":2}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(prepared.Buffer) != `{"a":1},{"a":2},` {
		t.Errorf("unexpected buffer: %q", prepared.Buffer)
	}
	if prepared.AppendCount != 1 {
		t.Errorf("expected append count 1, got %d", prepared.AppendCount)
	}
	if prepared.NextOffset.Bytes != uint64(len(prepared.Buffer)) {
		t.Errorf("expected next offset bytes to match buffer length")
	}
}

func TestValidateAppendContentType(t *testing.T) {
	if err := validateAppendContentType("/foo", "application/json", ""); err != nil {
		t.Errorf("expected empty request content type to pass, got %v", err)
	}
	if err := validateAppendContentType("/foo", "application/json", "application/json"); err != nil {
		t.Errorf("expected matching content type to pass, got %v", err)
	}
	if err := validateAppendContentType("/foo", "application/json", "text/plain"); err == nil {
		t.Errorf("expected mismatched content type to fail")
	}
}

func TestValidateAppendSeq(t *testing.T) {
	if err := validateAppendSeq("/foo", "", "1"); err != nil {
		t.Errorf("expected no prior seq to pass, got %v", err)
	}
	if err := validateAppendSeq("/foo", "5", "6"); err != nil {
		t.Errorf("expected strictly greater seq to pass, got %v", err)
	}
	if err := validateAppendSeq("/foo", "5", "5"); err == nil {
		t.Errorf("expected equal seq to conflict")
	}
	if err := validateAppendSeq("/foo", "5", "4"); err == nil {
		t.Errorf("expected lesser seq to conflict")
	}
}

func TestMergeAppendJSONAndRaw(t *testing.T) {
	chunk, err := mergeAppend("/foo", "application/json", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(chunk) != `{"a":1},` {
		t.Errorf("unexpected json chunk: %q", chunk)
	}

	chunk, err = mergeAppend("/foo", "text/plain", []byte("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(chunk) != "hello" {
		t.Errorf("unexpected raw chunk: %q", chunk)
	}

	if _, err := mergeAppend("/foo", "application/json", []byte(`[]`)); err == nil {
		t.Errorf("expected empty array append to be rejected")
	}
}

func TestTTLAndExpiresAtEqual(t *testing.T) {
	a, b := int64(10), int64(10)
	if !ttlEqual(&a, &b) {
		t.Errorf("expected equal ttl pointers to compare equal")
	}
	if ttlEqual(&a, nil) {
		t.Errorf("expected nil vs non-nil ttl to differ")
	}
	if !ttlEqual(nil, nil) {
		t.Errorf("expected nil vs nil ttl to be equal")
	}

	ta := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tb := ta
	if !expiresAtEqual(&ta, &tb) {
		t.Errorf("expected equal expiresAt to compare equal")
	}
	if expiresAtEqual(&ta, nil) {
		t.Errorf("expected nil vs non-nil expiresAt to differ")
	}
}
