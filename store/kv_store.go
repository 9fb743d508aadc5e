package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// KVStore is the eventually-consistent key-value substrate (spec §4.4 "KV,
// two-object layout"): each stream is a metadata object and a data object
// under related keys, written data-then-metadata so a reader never
// observes metadata pointing past data that hasn't landed yet.
type KVStore struct {
	client  *redis.Client
	waiters *waiterRegistry
	logger  *zap.Logger
}

type kvMetadata struct {
	ContentType string `json:"content_type"`
	TTLSeconds  *int64 `json:"ttl_seconds,omitempty"`
	ExpiresAt   *int64 `json:"expires_at,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	NextOffset  string `json:"next_offset"`
	LastSeq     string `json:"last_seq,omitempty"`
	AppendCount uint64 `json:"append_count"`
}

func metaKey(path string) string { return "stream:" + path + ":meta" }
func dataKey(path string) string { return "stream:" + path + ":data" }

// NewKVStore wraps an already-configured *redis.Client.
func NewKVStore(client *redis.Client, logger *zap.Logger) *KVStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KVStore{client: client, waiters: newWaiterRegistry(logger), logger: logger}
}

func (s *KVStore) loadMeta(ctx context.Context, path string) (kvMetadata, bool, error) {
	raw, err := s.client.Get(ctx, metaKey(path)).Bytes()
	if err == redis.Nil {
		return kvMetadata{}, false, nil
	}
	if err != nil {
		return kvMetadata{}, false, err
	}
	var m kvMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return kvMetadata{}, false, err
	}
	return m, true, nil
}

func metaExpired(m kvMetadata, now time.Time) bool {
	var expiresAt *time.Time
	if m.ExpiresAt != nil {
		t := time.Unix(*m.ExpiresAt, 0).UTC()
		expiresAt = &t
	}
	return IsExpired(time.Unix(m.CreatedAt, 0).UTC(), m.TTLSeconds, expiresAt, now)
}

func (s *KVStore) Put(ctx context.Context, path string, opts CreateOptions) (PutResult, error) {
	now := time.Now()
	if m, ok, err := s.loadMeta(ctx, path); err != nil {
		return PutResult{}, err
	} else if ok && !metaExpired(m, now) {
		existing := Metadata{
			Path:        path,
			ContentType: m.ContentType,
			TTLSeconds:  m.TTLSeconds,
			CreatedAt:   time.Unix(m.CreatedAt, 0).UTC(),
			AppendCount: m.AppendCount,
			LastSeq:     m.LastSeq,
		}
		if m.ExpiresAt != nil {
			t := time.Unix(*m.ExpiresAt, 0).UTC()
			existing.ExpiresAt = &t
		}
		if offset, err := ParseOffset(m.NextOffset); err == nil {
			existing.NextOffset = offset
		}
		if err := idempotentCreateConflict(path, &existing, opts); err != nil {
			return PutResult{}, err
		}
		return PutResult{Created: false, NextOffset: existing.NextOffset}, nil
	}

	contentType := NormalizeContentType(opts.ContentType)
	prepared, err := prepareInitialData(path, contentType, opts.Data)
	if err != nil {
		return PutResult{}, err
	}

	meta := kvMetadata{
		ContentType: contentType,
		TTLSeconds:  opts.TTLSeconds,
		CreatedAt:   now.Unix(),
		NextOffset:  prepared.NextOffset.String(),
		AppendCount: prepared.AppendCount,
	}
	if opts.ExpiresAt != nil {
		ts := opts.ExpiresAt.Unix()
		meta.ExpiresAt = &ts
	}

	// data object first, then metadata: a concurrent reader that sees
	// metadata must be able to trust the data object already exists.
	if err := s.client.Set(ctx, dataKey(path), prepared.Buffer, 0).Err(); err != nil {
		return PutResult{}, err
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return PutResult{}, err
	}
	if err := s.client.Set(ctx, metaKey(path), metaBytes, 0).Err(); err != nil {
		return PutResult{}, err
	}

	// Redis reclaims expired keys on its own; this is the KV substrate's
	// answer to the other substrates' explicit sweep, letting the server
	// evict both objects without a read or background goroutine here.
	if expireAt, ok := kvExpireAt(opts.TTLSeconds, opts.ExpiresAt, now); ok {
		s.client.ExpireAt(ctx, dataKey(path), expireAt)
		s.client.ExpireAt(ctx, metaKey(path), expireAt)
	}
	return PutResult{Created: true, NextOffset: prepared.NextOffset}, nil
}

func kvExpireAt(ttlSeconds *int64, expiresAt *time.Time, createdAt time.Time) (time.Time, bool) {
	switch {
	case ttlSeconds != nil:
		return createdAt.Add(time.Duration(*ttlSeconds) * time.Second), true
	case expiresAt != nil:
		return *expiresAt, true
	default:
		return time.Time{}, false
	}
}

func (s *KVStore) Append(ctx context.Context, path string, data []byte, opts AppendOptions) (AppendResult, error) {
	m, ok, err := s.loadMeta(ctx, path)
	if err != nil {
		return AppendResult{}, err
	}
	if !ok || metaExpired(m, time.Now()) {
		return AppendResult{}, &StreamNotFoundError{Path: path}
	}
	if err := validateAppendContentType(path, m.ContentType, opts.ContentType); err != nil {
		return AppendResult{}, err
	}
	if err := validateAppendSeq(path, m.LastSeq, opts.Seq); err != nil {
		return AppendResult{}, err
	}

	chunk, err := mergeAppend(path, m.ContentType, data)
	if err != nil {
		return AppendResult{}, err
	}
	offset, err := ParseOffset(m.NextOffset)
	if err != nil {
		return AppendResult{}, err
	}
	newOffset := offset.Advance(uint64(len(chunk))).IncrementSeq()

	newLen, err := s.client.Append(ctx, dataKey(path), string(chunk)).Result()
	if err != nil {
		return AppendResult{}, err
	}
	_ = newLen

	m.NextOffset = newOffset.String()
	m.AppendCount++
	if opts.Seq != "" {
		m.LastSeq = opts.Seq
	}
	metaBytes, err := json.Marshal(m)
	if err != nil {
		return AppendResult{}, err
	}
	if err := s.client.Set(ctx, metaKey(path), metaBytes, 0).Err(); err != nil {
		return AppendResult{}, err
	}

	buf, err := s.client.Get(ctx, dataKey(path)).Bytes()
	if err == nil {
		s.waiters.notifyAppend(path, buf)
	}
	return AppendResult{NextOffset: newOffset}, nil
}

func (s *KVStore) Get(ctx context.Context, path string, offset Offset) (GetResult, error) {
	m, ok, err := s.loadMeta(ctx, path)
	if err != nil {
		return GetResult{}, err
	}
	if !ok || metaExpired(m, time.Now()) {
		return GetResult{}, &StreamNotFoundError{Path: path}
	}
	nextOffset, err := ParseOffset(m.NextOffset)
	if err != nil {
		return GetResult{}, err
	}

	var messages []Message
	if offset.Bytes < uint64(nextOffset.Bytes) {
		buf, err := s.client.GetRange(ctx, dataKey(path), int64(offset.Bytes), -1).Result()
		if err != nil && err != redis.Nil {
			return GetResult{}, err
		}
		if len(buf) > 0 {
			messages = []Message{{Data: []byte(buf), Offset: offset, Timestamp: time.Now()}}
		}
	}
	return GetResult{
		Messages:    messages,
		NextOffset:  nextOffset,
		UpToDate:    offset.Equal(nextOffset),
		Cursor:      GenerateCursorResponse("", time.Now()),
		ETag:        FormatETag(path, offset, nextOffset),
		ContentType: m.ContentType,
	}, nil
}

func (s *KVStore) Head(ctx context.Context, path string) (HeadResult, error) {
	m, ok, err := s.loadMeta(ctx, path)
	if err != nil {
		return HeadResult{}, err
	}
	if !ok || metaExpired(m, time.Now()) {
		return HeadResult{}, &StreamNotFoundError{Path: path}
	}
	nextOffset, err := ParseOffset(m.NextOffset)
	if err != nil {
		return HeadResult{}, err
	}
	return HeadResult{ContentType: m.ContentType, NextOffset: nextOffset, ETag: FormatETag(path, InitialOffset, nextOffset)}, nil
}

func (s *KVStore) Delete(ctx context.Context, path string) error {
	n, err := s.client.Del(ctx, metaKey(path), dataKey(path)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return &StreamNotFoundError{Path: path}
	}
	s.waiters.notifyDelete(path)
	return nil
}

func (s *KVStore) Has(ctx context.Context, path string) bool {
	n, err := s.client.Exists(ctx, metaKey(path)).Result()
	if err != nil || n == 0 {
		return false
	}
	m, ok, err := s.loadMeta(ctx, path)
	return err == nil && ok && !metaExpired(m, time.Now())
}

func (s *KVStore) WaitForData(ctx context.Context, path string, offset Offset, timeout time.Duration) (WaitResult, error) {
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

func (s *KVStore) FormatResponse(ctx context.Context, path string, messages []Message) ([]byte, error) {
	m, ok, err := s.loadMeta(ctx, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var buf []byte
	for _, msg := range messages {
		buf = append(buf, msg.Data...)
	}
	if IsJSONContentType(m.ContentType) {
		return renderJSONBuffer(buf), nil
	}
	return buf, nil
}

func (s *KVStore) Close() error {
	return s.client.Close()
}
