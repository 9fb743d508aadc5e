package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
)

// RelationalStore is the relational substrate (spec §4.4 "relational,
// async"): one row per stream in a Postgres table, with LISTEN/NOTIFY used
// to wake waiters across process boundaries instead of in-process channels
// alone, since a relational deployment may have more than one API process
// pointed at the same database.
type RelationalStore struct {
	pool    *pgxpool.Pool
	logger  zerolog.Logger
	waiters *waiterRegistry

	listenConn *pgx.Conn
	stopListen context.CancelFunc
	listenWG   sync.WaitGroup

	cache   sync.Map // path -> cachedExists, a Has() hint only (spec §9)
	closing atomic.Bool
}

type cachedExists struct {
	exists bool
	at     time.Time
}

const notifyChannel = "streamstore_append"

// relationalSweepInterval is how often the background goroutine runs a
// bulk DELETE of expired rows, the relational analog of the embedded
// substrate's cron-driven sweep (spec's state machine wants Live -> Expired
// -> Absent to actually reclaim storage, not just get tombstoned on read).
const relationalSweepInterval = 5 * time.Minute

// NewRelationalStore connects pool for transactional access and a second,
// dedicated connection for LISTEN, matching rapidrows' split between
// pooled query connections and a long-lived notification listener.
func NewRelationalStore(ctx context.Context, dsn string, logger zerolog.Logger) (*RelationalStore, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	listenConn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := listenConn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		listenConn.Close(ctx)
		pool.Close()
		return nil, err
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s := &RelationalStore{
		pool:       pool,
		logger:     logger,
		waiters:    newWaiterRegistry(nil),
		listenConn: listenConn,
		stopListen: cancel,
	}
	s.listenWG.Add(1)
	go s.listen(listenCtx)
	s.listenWG.Add(1)
	go s.sweepLoop(listenCtx)
	return s, nil
}

// sweepLoop periodically deletes expired rows so storage is reclaimed even
// for streams nobody ever reads again, rather than relying solely on the
// tombstone-on-read check every other method performs.
func (s *RelationalStore) sweepLoop(ctx context.Context) {
	defer s.listenWG.Done()
	ticker := time.NewTicker(relationalSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tag, err := s.pool.Exec(ctx, `
				DELETE FROM streams
				WHERE (ttl_seconds IS NOT NULL AND created_at + (ttl_seconds || ' seconds')::interval <= now())
				   OR (expires_at IS NOT NULL AND expires_at <= now())`)
			if err != nil {
				s.logger.Warn().Err(err).Msg("relational store: expiry sweep failed")
				continue
			}
			if tag.RowsAffected() > 0 {
				s.logger.Info().Int64("rows", tag.RowsAffected()).Msg("relational store: swept expired streams")
			}
		case <-ctx.Done():
			return
		}
	}
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS streams (
			path          text PRIMARY KEY,
			content_type  text NOT NULL,
			ttl_seconds   bigint,
			expires_at    timestamptz,
			created_at    timestamptz NOT NULL,
			next_offset   text NOT NULL,
			last_seq      text NOT NULL DEFAULT '',
			append_count  bigint NOT NULL DEFAULT 0,
			data          bytea NOT NULL DEFAULT ''
		)`)
	return err
}

// listen runs on the dedicated connection, translating pg_notify payloads
// (the stream path) into in-process waiter wake-ups.
func (s *RelationalStore) listen(ctx context.Context) {
	defer s.listenWG.Done()
	for {
		n, err := s.listenConn.WaitForNotification(ctx)
		if err != nil {
			if !s.closing.Load() {
				s.logger.Error().Err(err).Msg("relational store: listen connection failed")
			}
			return
		}
		s.cache.Delete(n.Payload)
		row, ok, err := s.fetchRow(ctx, n.Payload)
		if err != nil || !ok {
			continue
		}
		s.waiters.notifyAppend(n.Payload, row.Data)
	}
}

type relationalRow struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	NextOffset  string
	LastSeq     string
	AppendCount uint64
	Data        []byte
}

func (s *RelationalStore) fetchRow(ctx context.Context, path string) (relationalRow, bool, error) {
	var row relationalRow
	err := s.pool.QueryRow(ctx, `
		SELECT content_type, ttl_seconds, expires_at, created_at, next_offset, last_seq, append_count, data
		FROM streams WHERE path = $1`, path).
		Scan(&row.ContentType, &row.TTLSeconds, &row.ExpiresAt, &row.CreatedAt, &row.NextOffset, &row.LastSeq, &row.AppendCount, &row.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return relationalRow{}, false, nil
	}
	if err != nil {
		return relationalRow{}, false, err
	}
	return row, true, nil
}

func rowExpired(row relationalRow, now time.Time) bool {
	return IsExpired(row.CreatedAt, row.TTLSeconds, row.ExpiresAt, now)
}

func (s *RelationalStore) Put(ctx context.Context, path string, opts CreateOptions) (PutResult, error) {
	now := time.Now()
	if row, ok, err := s.fetchRow(ctx, path); err != nil {
		return PutResult{}, err
	} else if ok && !rowExpired(row, now) {
		existing := Metadata{
			Path:        path,
			ContentType: row.ContentType,
			TTLSeconds:  row.TTLSeconds,
			ExpiresAt:   row.ExpiresAt,
			CreatedAt:   row.CreatedAt,
			AppendCount: row.AppendCount,
			LastSeq:     row.LastSeq,
		}
		if offset, err := ParseOffset(row.NextOffset); err == nil {
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

	_, err = s.pool.Exec(ctx, `
		INSERT INTO streams (path, content_type, ttl_seconds, expires_at, created_at, next_offset, append_count, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (path) DO UPDATE SET
			content_type = EXCLUDED.content_type, ttl_seconds = EXCLUDED.ttl_seconds,
			expires_at = EXCLUDED.expires_at, created_at = EXCLUDED.created_at,
			next_offset = EXCLUDED.next_offset, append_count = EXCLUDED.append_count,
			data = EXCLUDED.data, last_seq = ''`,
		path, contentType, opts.TTLSeconds, opts.ExpiresAt, now, prepared.NextOffset.String(), prepared.AppendCount, prepared.Buffer)
	if err != nil {
		return PutResult{}, err
	}
	s.cache.Store(path, cachedExists{exists: true, at: now})
	return PutResult{Created: true, NextOffset: prepared.NextOffset}, nil
}

func (s *RelationalStore) Append(ctx context.Context, path string, data []byte, opts AppendOptions) (AppendResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return AppendResult{}, err
	}
	defer tx.Rollback(ctx)

	var row relationalRow
	err = tx.QueryRow(ctx, `
		SELECT content_type, ttl_seconds, expires_at, created_at, next_offset, last_seq
		FROM streams WHERE path = $1 FOR UPDATE`, path).
		Scan(&row.ContentType, &row.TTLSeconds, &row.ExpiresAt, &row.CreatedAt, &row.NextOffset, &row.LastSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, &StreamNotFoundError{Path: path}
	}
	if err != nil {
		return AppendResult{}, err
	}
	if rowExpired(row, time.Now()) {
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
	lastSeq := row.LastSeq
	if opts.Seq != "" {
		lastSeq = opts.Seq
	}

	_, err = tx.Exec(ctx, `
		UPDATE streams SET data = data || $2, next_offset = $3, last_seq = $4, append_count = append_count + 1
		WHERE path = $1`, path, chunk, newOffset.String(), lastSeq)
	if err != nil {
		return AppendResult{}, err
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, path); err != nil {
		return AppendResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{NextOffset: newOffset}, nil
}

func (s *RelationalStore) Get(ctx context.Context, path string, offset Offset) (GetResult, error) {
	row, ok, err := s.fetchRow(ctx, path)
	if err != nil {
		return GetResult{}, err
	}
	if !ok || rowExpired(row, time.Now()) {
		return GetResult{}, &StreamNotFoundError{Path: path}
	}
	nextOffset, err := ParseOffset(row.NextOffset)
	if err != nil {
		return GetResult{}, err
	}
	s.cache.Store(path, cachedExists{exists: true, at: time.Now()})

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

func (s *RelationalStore) Head(ctx context.Context, path string) (HeadResult, error) {
	row, ok, err := s.fetchRow(ctx, path)
	if err != nil {
		return HeadResult{}, err
	}
	if !ok || rowExpired(row, time.Now()) {
		return HeadResult{}, &StreamNotFoundError{Path: path}
	}
	nextOffset, err := ParseOffset(row.NextOffset)
	if err != nil {
		return HeadResult{}, err
	}
	s.cache.Store(path, cachedExists{exists: true, at: time.Now()})
	return HeadResult{ContentType: row.ContentType, NextOffset: nextOffset, ETag: FormatETag(path, InitialOffset, nextOffset)}, nil
}

func (s *RelationalStore) Delete(ctx context.Context, path string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM streams WHERE path = $1", path)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &StreamNotFoundError{Path: path}
	}
	s.cache.Delete(path)
	s.waiters.notifyDelete(path)
	return nil
}

// Has is served from the local existence cache only (spec §4.4, §9 Open
// Question (c)): the relational substrate is never consulted on a bare
// Has, since that would turn a hint into a round trip. A process that
// never touched path reports false until a Put/Get/Head populates the
// cache, which is the accepted trade-off, not a bug. A cache entry is
// trusted for 5 seconds after it was stored, and an append notification
// for path drops it; after either, Has reports false until the next
// Put/Get/Head on path.
func (s *RelationalStore) Has(ctx context.Context, path string) bool {
	v, ok := s.cache.Load(path)
	if !ok {
		return false
	}
	c := v.(cachedExists)
	if time.Since(c.at) >= 5*time.Second {
		return false
	}
	return c.exists
}

func (s *RelationalStore) WaitForData(ctx context.Context, path string, offset Offset, timeout time.Duration) (WaitResult, error) {
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

func (s *RelationalStore) FormatResponse(ctx context.Context, path string, messages []Message) ([]byte, error) {
	row, ok, err := s.fetchRow(ctx, path)
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

func (s *RelationalStore) Close() error {
	s.closing.Store(true)
	s.stopListen()
	s.listenConn.Close(context.Background())
	s.listenWG.Wait()
	s.pool.Close()
	return nil
}
