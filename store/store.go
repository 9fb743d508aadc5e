// Package store implements the durable-stream core: a StreamStore contract
// (spec §4.3) over several pluggable byte-oriented substrates, plus the
// pure codecs and shared validation helpers every substrate delegates to.
package store

import (
	"context"
	"time"
)

// Metadata describes a stream's fixed and mutable attributes (spec §3).
// ContentType, TTLSeconds, and ExpiresAt are set at creation and immutable
// thereafter; NextOffset, AppendCount, and LastSeq mutate on every append.
type Metadata struct {
	Path        string
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	AppendCount uint64
	NextOffset  Offset
	LastSeq     string // last accepted Stream-Seq value, "" if none yet
}

// IsExpired reports whether m has expired as of now.
func (m *Metadata) IsExpired(now time.Time) bool {
	return IsExpired(m.CreatedAt, m.TTLSeconds, m.ExpiresAt, now)
}

// CreateOptions carries a put request's declared attributes.
type CreateOptions struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	Data        []byte // optional initial body
}

// AppendOptions carries an append request's declared attributes.
type AppendOptions struct {
	ContentType string // validated against the stream's content type if non-empty
	Seq         string // opaque monotonic token, validated against LastSeq if non-empty
}

// Message is a single framed read result: the bytes appended after a
// requested offset, the offset the read was made at, and when the read
// was synthesized.
type Message struct {
	Data      []byte
	Offset    Offset
	Timestamp time.Time
}

// PutResult is returned by Put.
type PutResult struct {
	Created    bool
	NextOffset Offset
}

// AppendResult is returned by Append.
type AppendResult struct {
	NextOffset Offset
}

// GetResult is returned by a snapshot Get.
type GetResult struct {
	Messages    []Message
	NextOffset  Offset
	UpToDate    bool
	Cursor      string
	ETag        string
	ContentType string
}

// HeadResult is returned by Head.
type HeadResult struct {
	ContentType string
	NextOffset  Offset
	ETag        string
}

// WaitResult is returned by WaitForData.
type WaitResult struct {
	Messages []Message
	TimedOut bool
}

// StreamStore is the contract every substrate implements (spec §4.3). All
// methods operate on a path and are safe for concurrent use across
// different paths; mutation on a single path is serialized by the
// implementation (spec §5).
type StreamStore interface {
	// Put creates path if absent. If present, it runs the idempotent-create
	// check (spec §4.2) and returns Created=false, or a
	// ContentTypeMismatchError/StreamConflictError if the declared
	// attributes disagree with the existing stream.
	Put(ctx context.Context, path string, opts CreateOptions) (PutResult, error)

	// Append adds data to path. Returns StreamNotFoundError if absent
	// (including expired), ContentTypeMismatchError or SequenceConflictError
	// on validation failure. Notifies any waiters enrolled on path.
	Append(ctx context.Context, path string, data []byte, opts AppendOptions) (AppendResult, error)

	// Get performs a snapshot read from offset (InitialOffset if zero
	// value). Returns StreamNotFoundError if absent.
	Get(ctx context.Context, path string, offset Offset) (GetResult, error)

	// Head returns metadata without a body. Returns StreamNotFoundError if
	// absent.
	Head(ctx context.Context, path string) (HeadResult, error)

	// Delete removes path and resolves every pending waiter on it with
	// WaitResult{TimedOut: false, Messages: nil}. Returns
	// StreamNotFoundError if absent.
	Delete(ctx context.Context, path string) error

	// Has is a fast, possibly cache-hinted existence check (spec §9); it
	// is authoritative for the in-memory and embedded substrates, and a
	// hint only for the relational substrate.
	Has(ctx context.Context, path string) bool

	// WaitForData returns immediately if data is already available past
	// offset; otherwise it suspends until an append crosses offset, path
	// is deleted, the timeout elapses, or ctx is cancelled (spec §5).
	WaitForData(ctx context.Context, path string, offset Offset, timeout time.Duration) (WaitResult, error)

	// FormatResponse frames messages for the wire: JSON content types get
	// the trailing-comma-stripped "[...]" wrap, everything else is a plain
	// concatenation. Returns zero bytes if path is unknown at format time.
	FormatResponse(ctx context.Context, path string, messages []Message) ([]byte, error)

	// Close releases resources held by the store instance.
	Close() error
}
