package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryStore is the in-memory reference substrate (spec §4.4 "in-memory").
// It keeps every stream's stitched buffer resident and is the baseline the
// other substrates are tested against; nothing here survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]*memoryStream
	waiters *waiterRegistry
	logger  *zap.Logger
	now     func() time.Time
}

type memoryStream struct {
	meta   Metadata
	buffer []byte
}

// NewMemoryStore builds an empty in-memory store. A nil logger is replaced
// with a no-op one, matching the rest of the package's convention.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		streams: make(map[string]*memoryStream),
		waiters: newWaiterRegistry(logger),
		logger:  logger,
		now:     time.Now,
	}
}

func (s *MemoryStore) Put(ctx context.Context, path string, opts CreateOptions) (PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.streams[path]; ok {
		if existing.meta.IsExpired(now) {
			delete(s.streams, path)
		} else {
			if err := idempotentCreateConflict(path, &existing.meta, opts); err != nil {
				return PutResult{}, err
			}
			return PutResult{Created: false, NextOffset: existing.meta.NextOffset}, nil
		}
	}

	contentType := NormalizeContentType(opts.ContentType)
	prepared, err := prepareInitialData(path, contentType, opts.Data)
	if err != nil {
		return PutResult{}, err
	}

	meta := Metadata{
		Path:        path,
		ContentType: contentType,
		TTLSeconds:  opts.TTLSeconds,
		ExpiresAt:   opts.ExpiresAt,
		CreatedAt:   now,
		AppendCount: prepared.AppendCount,
		NextOffset:  prepared.NextOffset,
	}
	s.streams[path] = &memoryStream{meta: meta, buffer: prepared.Buffer}
	s.logger.Debug("stream created", zap.String("path", path), zap.String("content_type", contentType))
	return PutResult{Created: true, NextOffset: meta.NextOffset}, nil
}

func (s *MemoryStore) Append(ctx context.Context, path string, data []byte, opts AppendOptions) (AppendResult, error) {
	s.mu.Lock()

	stream, ok := s.streams[path]
	if !ok || stream.meta.IsExpired(s.now()) {
		s.mu.Unlock()
		return AppendResult{}, &StreamNotFoundError{Path: path}
	}

	if err := validateAppendContentType(path, stream.meta.ContentType, opts.ContentType); err != nil {
		s.mu.Unlock()
		return AppendResult{}, err
	}
	if err := validateAppendSeq(path, stream.meta.LastSeq, opts.Seq); err != nil {
		s.mu.Unlock()
		return AppendResult{}, err
	}

	chunk, err := mergeAppend(path, stream.meta.ContentType, data)
	if err != nil {
		s.mu.Unlock()
		return AppendResult{}, err
	}

	stream.buffer = append(stream.buffer, chunk...)
	stream.meta.NextOffset = stream.meta.NextOffset.Advance(uint64(len(chunk))).IncrementSeq()
	stream.meta.AppendCount++
	if opts.Seq != "" {
		stream.meta.LastSeq = opts.Seq
	}
	next := stream.meta.NextOffset
	buf := append([]byte(nil), stream.buffer...)
	s.mu.Unlock()

	s.waiters.notifyAppend(path, buf)
	return AppendResult{NextOffset: next}, nil
}

func (s *MemoryStore) Get(ctx context.Context, path string, offset Offset) (GetResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[path]
	if !ok || stream.meta.IsExpired(s.now()) {
		return GetResult{}, &StreamNotFoundError{Path: path}
	}

	var messages []Message
	if offset.Bytes < uint64(len(stream.buffer)) {
		messages = []Message{{
			Data:      append([]byte(nil), stream.buffer[offset.Bytes:]...),
			Offset:    offset,
			Timestamp: s.now(),
		}}
	}

	cursor := GenerateCursorResponse("", s.now())
	return GetResult{
		Messages:    messages,
		NextOffset:  stream.meta.NextOffset,
		UpToDate:    offset.Equal(stream.meta.NextOffset),
		Cursor:      cursor,
		ETag:        FormatETag(path, offset, stream.meta.NextOffset),
		ContentType: stream.meta.ContentType,
	}, nil
}

func (s *MemoryStore) Head(ctx context.Context, path string) (HeadResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[path]
	if !ok || stream.meta.IsExpired(s.now()) {
		return HeadResult{}, &StreamNotFoundError{Path: path}
	}
	return HeadResult{
		ContentType: stream.meta.ContentType,
		NextOffset:  stream.meta.NextOffset,
		ETag:        FormatETag(path, InitialOffset, stream.meta.NextOffset),
	}, nil
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	if _, ok := s.streams[path]; !ok {
		s.mu.Unlock()
		return &StreamNotFoundError{Path: path}
	}
	delete(s.streams, path)
	s.mu.Unlock()

	s.waiters.notifyDelete(path)
	return nil
}

func (s *MemoryStore) Has(ctx context.Context, path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.streams[path]
	return ok && !stream.meta.IsExpired(s.now())
}

func (s *MemoryStore) WaitForData(ctx context.Context, path string, offset Offset, timeout time.Duration) (WaitResult, error) {
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

func (s *MemoryStore) FormatResponse(ctx context.Context, path string, messages []Message) ([]byte, error) {
	s.mu.RLock()
	stream, ok := s.streams[path]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	if IsJSONContentType(stream.meta.ContentType) {
		var buf []byte
		for _, m := range messages {
			buf = append(buf, m.Data...)
		}
		return renderJSONBuffer(buf), nil
	}

	var out []byte
	for _, m := range messages {
		out = append(out, m.Data...)
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
