package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// waiter is a one-shot suspension record (spec §3 *Waiter*). It is
// resolved exactly once, by a notifying append, by stream deletion, or by
// the caller's own timeout path unlinking it first.
type waiter struct {
	id     uuid.UUID
	offset Offset
	ch     chan WaitResult
}

// waiterRegistry is the per-path waiter table shared by every substrate
// (spec §5's "Waiter protocol"). Persistent substrates need this exactly
// as much as the in-memory one: waiters never survive a process restart
// regardless of storage backing.
type waiterRegistry struct {
	mu     sync.Mutex
	byPath map[string][]*waiter
	logger *zap.Logger
}

func newWaiterRegistry(logger *zap.Logger) *waiterRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &waiterRegistry{byPath: make(map[string][]*waiter), logger: logger}
}

// enrollLocked registers a new waiter at offset. Callers must hold r.mu.
func (r *waiterRegistry) enrollLocked(path string, offset Offset) *waiter {
	w := &waiter{id: uuid.New(), offset: offset, ch: make(chan WaitResult, 1)}
	r.byPath[path] = append(r.byPath[path], w)
	return w
}

// unlinkFunc returns a function that removes w from path's waiter list,
// safe to call more than once and after w has already been resolved.
func (r *waiterRegistry) unlinkFunc(path string, w *waiter) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			list := r.byPath[path]
			for i, x := range list {
				if x == w {
					r.byPath[path] = append(list[:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// checkAndEnroll runs check under the registry's own lock and, only if it
// reports the wait is not already satisfied, enrolls a waiter before
// releasing that same lock. This is the per-path critical section the
// waiter protocol requires: check and registration must be atomic with
// respect to notifyAppend/notifyDelete, both of which also take r.mu, so a
// commit that completes before this call observes it directly (check
// reports ready) and a commit that completes after it is guaranteed to see
// the freshly enrolled waiter (enroll happened-before that commit's
// notify). Without this, an append could run to completion and drain an
// empty waiter list in the window between a caller's check and its enroll,
// leaving that caller blocked until timeout despite the data having
// already arrived.
func (r *waiterRegistry) checkAndEnroll(path string, offset Offset, check func() (WaitResult, bool, error)) (WaitResult, bool, *waiter, func(), error) {
	r.mu.Lock()
	res, ready, err := check()
	if err != nil || ready {
		r.mu.Unlock()
		return res, ready, nil, nil, err
	}
	w := r.enrollLocked(path, offset)
	r.mu.Unlock()
	return WaitResult{}, false, w, r.unlinkFunc(path, w), nil
}

// notifyAppend resolves every waiter on path whose offset now precedes
// the length of buffer, with a single synthesized message covering the
// bytes appended past that waiter's offset. Waiters whose offset is
// already at or past the new length are re-enrolled, since that can
// happen under a race where enrollment observed a stale length (spec §5
// "Notify-on-append").
func (r *waiterRegistry) notifyAppend(path string, buffer []byte) {
	r.mu.Lock()
	list := r.byPath[path]
	r.byPath[path] = nil
	r.mu.Unlock()

	now := time.Now()
	var stale []*waiter
	for _, w := range list {
		if w.offset.Bytes < uint64(len(buffer)) {
			msg := Message{
				Data:      append([]byte(nil), buffer[w.offset.Bytes:]...),
				Offset:    w.offset,
				Timestamp: now,
			}
			select {
			case w.ch <- WaitResult{Messages: []Message{msg}}:
			default:
			}
		} else {
			stale = append(stale, w)
		}
	}
	if len(stale) > 0 {
		r.mu.Lock()
		r.byPath[path] = append(r.byPath[path], stale...)
		r.mu.Unlock()
	}
	if r.logger.Core().Enabled(zap.DebugLevel) {
		r.logger.Debug("notified waiters", zap.String("path", path), zap.Int("resolved", len(list)-len(stale)))
	}
}

// notifyDelete resolves every waiter on path with an empty, non-timed-out
// result (spec §5 "Notify-on-delete") and drops the path's waiter list.
func (r *waiterRegistry) notifyDelete(path string) {
	r.mu.Lock()
	list := r.byPath[path]
	delete(r.byPath, path)
	r.mu.Unlock()

	for _, w := range list {
		select {
		case w.ch <- WaitResult{Messages: nil, TimedOut: false}:
		default:
		}
	}
}

// wait races w's channel against a timer for timeout, honoring ctx
// cancellation. unlink is always called before returning, so the caller
// need not track whether the waiter resolved or timed out.
func (r *waiterRegistry) wait(ctx context.Context, path string, w *waiter, unlink func(), timeout time.Duration) (WaitResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	defer unlink()

	select {
	case res := <-w.ch:
		return res, nil
	case <-timer.C:
		r.logger.Debug("waiter timed out", zap.String("path", path), zap.String("waiter_id", w.id.String()))
		return WaitResult{TimedOut: true}, nil
	case <-ctx.Done():
		return WaitResult{}, ctx.Err()
	}
}
