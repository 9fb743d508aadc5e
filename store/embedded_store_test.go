package store

import (
	"context"
	"testing"
	"time"
)

func newTestEmbeddedStore(t *testing.T) *EmbeddedStore {
	t.Helper()
	s, err := NewEmbeddedStore(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatalf("NewEmbeddedStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEmbeddedStorePutIsIdempotent(t *testing.T) {
	s := newTestEmbeddedStore(t)
	ctx := context.Background()

	opts := CreateOptions{ContentType: "text/plain"}
	res1, err := s.Put(ctx, "/foo", opts)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !res1.Created {
		t.Errorf("expected first put to create the stream")
	}

	res2, err := s.Put(ctx, "/foo", opts)
	if err != nil {
		t.Fatalf("idempotent put: %v", err)
	}
	if res2.Created {
		t.Errorf("expected second put to be idempotent")
	}
}

func TestEmbeddedStoreAppendPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewEmbeddedStore(dir, 0, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if _, err := s.Put(ctx, "/foo", CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Append(ctx, "/foo", []byte("hello"), AppendOptions{}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewEmbeddedStore(dir, 0, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	res, err := reopened.Get(ctx, "/foo", InitialOffset)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	out, err := reopened.FormatResponse(ctx, "/foo", res.Messages)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if string(out) != "hello" {
		t.Errorf("expected data to survive reopen, got %q", out)
	}
}

func TestEmbeddedStoreSequenceConflict(t *testing.T) {
	s := newTestEmbeddedStore(t)
	ctx := context.Background()
	if _, err := s.Put(ctx, "/foo", CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Append(ctx, "/foo", []byte("a"), AppendOptions{Seq: "2"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.Append(ctx, "/foo", []byte("b"), AppendOptions{Seq: "2"}); err == nil {
		t.Errorf("expected non-increasing seq to conflict")
	}
	if _, err := s.Append(ctx, "/foo", []byte("b"), AppendOptions{Seq: "3"}); err != nil {
		t.Errorf("expected strictly greater seq to be accepted: %v", err)
	}
}

func TestEmbeddedStoreSweepExpiresRows(t *testing.T) {
	s, err := NewEmbeddedStore(t.TempDir(), 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	ttl := int64(1)
	if _, err := s.Put(ctx, "/foo", CreateOptions{ContentType: "text/plain", TTLSeconds: &ttl}); err != nil {
		t.Fatalf("put: %v", err)
	}

	row, ok, err := s.getRow("/foo")
	if err != nil || !ok {
		t.Fatalf("expected row to exist before expiry: ok=%v err=%v", ok, err)
	}
	row.CreatedAt = time.Now().Add(-2 * time.Second).Unix()
	if err := s.putRow("/foo", row); err != nil {
		t.Fatalf("rewrite row: %v", err)
	}

	s.sweepExpired()

	if _, ok, err := s.getRow("/foo"); err != nil || ok {
		t.Errorf("expected swept row to be removed: ok=%v err=%v", ok, err)
	}
	if s.Has(ctx, "/foo") {
		t.Errorf("expected swept stream to be absent")
	}
}
