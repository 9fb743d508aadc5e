package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// EmbeddedStore is the embedded row-store substrate (spec §4.4 "embedded
// row-store"): every stream is one row in a single bbolt bucket, keyed by
// path, holding its metadata and its full stitched buffer together. A
// cron-driven sweep expires rows in the background so long-idle streams
// don't linger past their TTL until someone happens to read them.
type EmbeddedStore struct {
	db      *bbolt.DB
	waiters *waiterRegistry
	logger  *zap.Logger
	sweeper *cron.Cron

	mu     sync.Mutex // serializes read-modify-write per process; bbolt itself serializes writers
	closed bool
}

var streamsBucket = []byte("streams")

// embeddedRow is the on-disk serialized form of one stream.
type embeddedRow struct {
	ContentType string `json:"content_type"`
	TTLSeconds  *int64 `json:"ttl_seconds,omitempty"`
	ExpiresAt   *int64 `json:"expires_at,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	NextOffset  string `json:"next_offset"`
	LastSeq     string `json:"last_seq,omitempty"`
	AppendCount uint64 `json:"append_count"`
	Data        []byte `json:"data"`
}

// NewEmbeddedStore opens (creating if absent) a bbolt database under
// dataDir and starts a background expiry sweep every sweepInterval.
func NewEmbeddedStore(dataDir string, sweepInterval time.Duration, logger *zap.Logger) (*EmbeddedStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(dataDir, "streams.db"), 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt database: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(streamsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create streams bucket: %w", err)
	}

	s := &EmbeddedStore{
		db:      db,
		waiters: newWaiterRegistry(logger),
		logger:  logger,
	}

	if sweepInterval > 0 {
		s.sweeper = cron.New(cron.WithSeconds())
		spec := fmt.Sprintf("@every %s", sweepInterval)
		if _, err := s.sweeper.AddFunc(spec, s.sweepExpired); err != nil {
			db.Close()
			return nil, fmt.Errorf("schedule expiry sweep: %w", err)
		}
		s.sweeper.Start()
	}
	return s, nil
}

func (s *EmbeddedStore) sweepExpired() {
	now := time.Now()
	var expired []string
	s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(streamsBucket)
		return b.ForEach(func(k, v []byte) error {
			row, err := decodeRow(v)
			if err != nil {
				return nil
			}
			if rowIsExpired(row, now) {
				expired = append(expired, string(k))
			}
			return nil
		})
	})
	if len(expired) == 0 {
		return
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(streamsBucket)
		for _, path := range expired {
			if err := b.Delete([]byte(path)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("expiry sweep failed", zap.Error(err))
		return
	}
	for _, path := range expired {
		s.waiters.notifyDelete(path)
	}
	s.logger.Debug("expiry sweep removed streams", zap.Int("count", len(expired)))
}

func rowIsExpired(row embeddedRow, now time.Time) bool {
	var expiresAt *time.Time
	if row.ExpiresAt != nil {
		t := time.Unix(*row.ExpiresAt, 0).UTC()
		expiresAt = &t
	}
	return IsExpired(time.Unix(row.CreatedAt, 0).UTC(), row.TTLSeconds, expiresAt, now)
}

func decodeRow(data []byte) (embeddedRow, error) {
	var row embeddedRow
	cp := append([]byte(nil), data...)
	if err := json.Unmarshal(cp, &row); err != nil {
		return embeddedRow{}, err
	}
	return row, nil
}

func encodeRow(row embeddedRow) ([]byte, error) {
	return json.Marshal(row)
}

func (s *EmbeddedStore) getRow(path string) (embeddedRow, bool, error) {
	var row embeddedRow
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(streamsBucket)
		data := b.Get([]byte(path))
		if data == nil {
			return nil
		}
		found = true
		var err error
		row, err = decodeRow(data)
		return err
	})
	return row, found, err
}

func (s *EmbeddedStore) putRow(path string, row embeddedRow) error {
	data, err := encodeRow(row)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(streamsBucket).Put([]byte(path), data)
	})
}

func (s *EmbeddedStore) Put(ctx context.Context, path string, opts CreateOptions) (PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if row, ok, err := s.getRow(path); err != nil {
		return PutResult{}, err
	} else if ok {
		if !rowIsExpired(row, now) {
			existing := rowToMetadata(path, row)
			if err := idempotentCreateConflict(path, &existing, opts); err != nil {
				return PutResult{}, err
			}
			return PutResult{Created: false, NextOffset: existing.NextOffset}, nil
		}
		if err := s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(streamsBucket).Delete([]byte(path))
		}); err != nil {
			return PutResult{}, err
		}
	}

	contentType := NormalizeContentType(opts.ContentType)
	prepared, err := prepareInitialData(path, contentType, opts.Data)
	if err != nil {
		return PutResult{}, err
	}

	row := embeddedRow{
		ContentType: contentType,
		TTLSeconds:  opts.TTLSeconds,
		CreatedAt:   now.Unix(),
		NextOffset:  prepared.NextOffset.String(),
		AppendCount: prepared.AppendCount,
		Data:        prepared.Buffer,
	}
	if opts.ExpiresAt != nil {
		ts := opts.ExpiresAt.Unix()
		row.ExpiresAt = &ts
	}
	if err := s.putRow(path, row); err != nil {
		return PutResult{}, err
	}
	return PutResult{Created: true, NextOffset: prepared.NextOffset}, nil
}

func rowToMetadata(path string, row embeddedRow) Metadata {
	m := Metadata{
		Path:        path,
		ContentType: row.ContentType,
		TTLSeconds:  row.TTLSeconds,
		CreatedAt:   time.Unix(row.CreatedAt, 0).UTC(),
		AppendCount: row.AppendCount,
		LastSeq:     row.LastSeq,
	}
	if offset, err := ParseOffset(row.NextOffset); err == nil {
		m.NextOffset = offset
	}
	if row.ExpiresAt != nil {
		t := time.Unix(*row.ExpiresAt, 0).UTC()
		m.ExpiresAt = &t
	}
	return m
}

func (s *EmbeddedStore) Append(ctx context.Context, path string, data []byte, opts AppendOptions) (AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok, err := s.getRow(path)
	if err != nil {
		return AppendResult{}, err
	}
	if !ok || rowIsExpired(row, time.Now()) {
		return AppendResult{}, &StreamNotFoundError{Path: path}
	}

	if err := validateAppendContentType(path, row.ContentType, opts.ContentType); err != nil {
		return AppendResult{}, err
	}
	if err := validateAppendSeq(path, row.LastSeq, opts.Seq); err != nil {
		return AppendResult{}, err
	}

	chunk, err := mergeAppend(path, row.ContentType, data)
	if err != nil {
		return AppendResult{}, err
	}

	offset, err := ParseOffset(row.NextOffset)
	if err != nil {
		return AppendResult{}, err
	}
	newOffset := offset.Advance(uint64(len(chunk))).IncrementSeq()

	row.Data = append(row.Data, chunk...)
	row.NextOffset = newOffset.String()
	row.AppendCount++
	if opts.Seq != "" {
		row.LastSeq = opts.Seq
	}
	if err := s.putRow(path, row); err != nil {
		return AppendResult{}, err
	}

	s.waiters.notifyAppend(path, row.Data)
	return AppendResult{NextOffset: newOffset}, nil
}

func (s *EmbeddedStore) Get(ctx context.Context, path string, offset Offset) (GetResult, error) {
	row, ok, err := s.getRow(path)
	if err != nil {
		return GetResult{}, err
	}
	if !ok || rowIsExpired(row, time.Now()) {
		return GetResult{}, &StreamNotFoundError{Path: path}
	}

	nextOffset, err := ParseOffset(row.NextOffset)
	if err != nil {
		return GetResult{}, err
	}

	var messages []Message
	if offset.Bytes < uint64(len(row.Data)) {
		messages = []Message{{
			Data:      append([]byte(nil), row.Data[offset.Bytes:]...),
			Offset:    offset,
			Timestamp: time.Now(),
		}}
	}

	return GetResult{
		Messages:    messages,
		NextOffset:  nextOffset,
		UpToDate:    offset.Equal(nextOffset),
		Cursor:      GenerateCursorResponse("", time.Now()),
		ETag:        FormatETag(path, offset, nextOffset),
		ContentType: row.ContentType,
	}, nil
}

func (s *EmbeddedStore) Head(ctx context.Context, path string) (HeadResult, error) {
	row, ok, err := s.getRow(path)
	if err != nil {
		return HeadResult{}, err
	}
	if !ok || rowIsExpired(row, time.Now()) {
		return HeadResult{}, &StreamNotFoundError{Path: path}
	}
	nextOffset, err := ParseOffset(row.NextOffset)
	if err != nil {
		return HeadResult{}, err
	}
	return HeadResult{
		ContentType: row.ContentType,
		NextOffset:  nextOffset,
		ETag:        FormatETag(path, InitialOffset, nextOffset),
	}, nil
}

func (s *EmbeddedStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(streamsBucket)
		if b.Get([]byte(path)) == nil {
			return &StreamNotFoundError{Path: path}
		}
		return b.Delete([]byte(path))
	})
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.waiters.notifyDelete(path)
	return nil
}

func (s *EmbeddedStore) Has(ctx context.Context, path string) bool {
	row, ok, err := s.getRow(path)
	if err != nil || !ok {
		return false
	}
	return !rowIsExpired(row, time.Now())
}

func (s *EmbeddedStore) WaitForData(ctx context.Context, path string, offset Offset, timeout time.Duration) (WaitResult, error) {
	res, ready, w, unlink, err := s.waiters.checkAndEnroll(path, offset, func() (WaitResult, bool, error) {
		r, err := s.Get(ctx, path, offset)
		if err != nil {
			return WaitResult{}, false, err
		}
		if len(r.Messages) > 0 {
			return WaitResult{Messages: r.Messages}, true, nil
		}
		return WaitResult{}, false, nil
	})
	if err != nil {
		return WaitResult{}, err
	}
	if ready {
		return res, nil
	}
	return s.waiters.wait(ctx, path, w, unlink, timeout)
}

func (s *EmbeddedStore) FormatResponse(ctx context.Context, path string, messages []Message) ([]byte, error) {
	row, ok, err := s.getRow(path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var buf []byte
	for _, m := range messages {
		buf = append(buf, m.Data...)
	}
	if IsJSONContentType(row.ContentType) {
		return renderJSONBuffer(buf), nil
	}
	return buf, nil
}

func (s *EmbeddedStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	return s.db.Close()
}
