package store

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"
)

// ObjectStore is the object-store substrate (spec §4.4 "object store, large
// blobs"): the same metadata/data two-object layout as the KV substrate,
// but backed by an S3-compatible bucket for streams whose bodies are too
// large to keep comfortably in a row or a Redis value.
type ObjectStore struct {
	client  *minio.Client
	bucket  string
	maxSize int64
	waiters *waiterRegistry
	logger  *zap.Logger
}

// NewObjectStore wraps an already-configured *minio.Client. maxSize bounds
// the total data object size; appends that would exceed it are rejected
// with PayloadTooLargeError before any object is written.
func NewObjectStore(client *minio.Client, bucket string, maxSize int64, logger *zap.Logger) *ObjectStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObjectStore{client: client, bucket: bucket, maxSize: maxSize, waiters: newWaiterRegistry(logger), logger: logger}
}

func objMetaKey(path string) string { return "stream/" + path + "/meta.json" }
func objDataKey(path string) string { return "stream/" + path + "/data.bin" }

type objectMetadata struct {
	ContentType string `json:"content_type"`
	TTLSeconds  *int64 `json:"ttl_seconds,omitempty"`
	ExpiresAt   *int64 `json:"expires_at,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	NextOffset  string `json:"next_offset"`
	LastSeq     string `json:"last_seq,omitempty"`
	AppendCount uint64 `json:"append_count"`
	Size        int64  `json:"size"`
}

func (s *ObjectStore) loadMeta(ctx context.Context, path string) (objectMetadata, bool, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objMetaKey(path), minio.GetObjectOptions{})
	if err != nil {
		return objectMetadata{}, false, err
	}
	defer obj.Close()

	raw, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return objectMetadata{}, false, nil
		}
		return objectMetadata{}, false, err
	}
	if len(raw) == 0 {
		return objectMetadata{}, false, nil
	}
	var m objectMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return objectMetadata{}, false, err
	}
	return m, true, nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey"
}

func objMetaExpired(m objectMetadata, now time.Time) bool {
	var expiresAt *time.Time
	if m.ExpiresAt != nil {
		t := time.Unix(*m.ExpiresAt, 0).UTC()
		expiresAt = &t
	}
	return IsExpired(time.Unix(m.CreatedAt, 0).UTC(), m.TTLSeconds, expiresAt, now)
}

func (s *ObjectStore) putObject(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (s *ObjectStore) getData(ctx context.Context, path string, from int64) ([]byte, error) {
	opts := minio.GetObjectOptions{}
	if from > 0 {
		if err := opts.SetRange(from, 0); err != nil {
			return nil, err
		}
	}
	obj, err := s.client.GetObject(ctx, s.bucket, objDataKey(path), opts)
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

func (s *ObjectStore) Put(ctx context.Context, path string, opts CreateOptions) (PutResult, error) {
	now := time.Now()
	if m, ok, err := s.loadMeta(ctx, path); err != nil {
		return PutResult{}, err
	} else if ok && !objMetaExpired(m, now) {
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

	if s.maxSize > 0 && int64(len(opts.Data)) > s.maxSize {
		return PutResult{}, &PayloadTooLargeError{Path: path, Size: len(opts.Data), Limit: int(s.maxSize)}
	}

	contentType := NormalizeContentType(opts.ContentType)
	prepared, err := prepareInitialData(path, contentType, opts.Data)
	if err != nil {
		return PutResult{}, err
	}

	if err := s.putObject(ctx, objDataKey(path), prepared.Buffer, "application/octet-stream"); err != nil {
		return PutResult{}, err
	}

	meta := objectMetadata{
		ContentType: contentType,
		TTLSeconds:  opts.TTLSeconds,
		CreatedAt:   now.Unix(),
		NextOffset:  prepared.NextOffset.String(),
		AppendCount: prepared.AppendCount,
		Size:        int64(len(prepared.Buffer)),
	}
	if opts.ExpiresAt != nil {
		ts := opts.ExpiresAt.Unix()
		meta.ExpiresAt = &ts
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return PutResult{}, err
	}
	if err := s.putObject(ctx, objMetaKey(path), metaBytes, "application/json"); err != nil {
		return PutResult{}, err
	}
	return PutResult{Created: true, NextOffset: prepared.NextOffset}, nil
}

func (s *ObjectStore) Append(ctx context.Context, path string, data []byte, opts AppendOptions) (AppendResult, error) {
	m, ok, err := s.loadMeta(ctx, path)
	if err != nil {
		return AppendResult{}, err
	}
	if !ok || objMetaExpired(m, time.Now()) {
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

	if s.maxSize > 0 && m.Size+int64(len(chunk)) > s.maxSize {
		return AppendResult{}, &PayloadTooLargeError{Path: path, Size: int(m.Size + int64(len(chunk))), Limit: int(s.maxSize)}
	}

	existing, err := s.getData(ctx, path, 0)
	if err != nil {
		return AppendResult{}, err
	}
	merged := append(existing, chunk...)

	offset, err := ParseOffset(m.NextOffset)
	if err != nil {
		return AppendResult{}, err
	}
	newOffset := offset.Advance(uint64(len(chunk))).IncrementSeq()

	if err := s.putObject(ctx, objDataKey(path), merged, "application/octet-stream"); err != nil {
		return AppendResult{}, err
	}

	m.NextOffset = newOffset.String()
	m.AppendCount++
	m.Size = int64(len(merged))
	if opts.Seq != "" {
		m.LastSeq = opts.Seq
	}
	metaBytes, err := json.Marshal(m)
	if err != nil {
		return AppendResult{}, err
	}
	if err := s.putObject(ctx, objMetaKey(path), metaBytes, "application/json"); err != nil {
		return AppendResult{}, err
	}

	s.waiters.notifyAppend(path, merged)
	return AppendResult{NextOffset: newOffset}, nil
}

func (s *ObjectStore) Get(ctx context.Context, path string, offset Offset) (GetResult, error) {
	m, ok, err := s.loadMeta(ctx, path)
	if err != nil {
		return GetResult{}, err
	}
	if !ok || objMetaExpired(m, time.Now()) {
		return GetResult{}, &StreamNotFoundError{Path: path}
	}
	nextOffset, err := ParseOffset(m.NextOffset)
	if err != nil {
		return GetResult{}, err
	}

	var messages []Message
	if offset.Bytes < uint64(nextOffset.Bytes) {
		data, err := s.getData(ctx, path, int64(offset.Bytes))
		if err != nil {
			return GetResult{}, err
		}
		if len(data) > 0 {
			messages = []Message{{Data: data, Offset: offset, Timestamp: time.Now()}}
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

func (s *ObjectStore) Head(ctx context.Context, path string) (HeadResult, error) {
	m, ok, err := s.loadMeta(ctx, path)
	if err != nil {
		return HeadResult{}, err
	}
	if !ok || objMetaExpired(m, time.Now()) {
		return HeadResult{}, &StreamNotFoundError{Path: path}
	}
	nextOffset, err := ParseOffset(m.NextOffset)
	if err != nil {
		return HeadResult{}, err
	}
	return HeadResult{ContentType: m.ContentType, NextOffset: nextOffset, ETag: FormatETag(path, InitialOffset, nextOffset)}, nil
}

func (s *ObjectStore) Delete(ctx context.Context, path string) error {
	if _, ok, err := s.loadMeta(ctx, path); err != nil {
		return err
	} else if !ok {
		return &StreamNotFoundError{Path: path}
	}
	if err := s.client.RemoveObject(ctx, s.bucket, objDataKey(path), minio.RemoveObjectOptions{}); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, objMetaKey(path), minio.RemoveObjectOptions{}); err != nil {
		return err
	}
	s.waiters.notifyDelete(path)
	return nil
}

func (s *ObjectStore) Has(ctx context.Context, path string) bool {
	m, ok, err := s.loadMeta(ctx, path)
	return err == nil && ok && !objMetaExpired(m, time.Now())
}

func (s *ObjectStore) WaitForData(ctx context.Context, path string, offset Offset, timeout time.Duration) (WaitResult, error) {
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

func (s *ObjectStore) FormatResponse(ctx context.Context, path string, messages []Message) ([]byte, error) {
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

func (s *ObjectStore) Close() error {
	return nil
}
