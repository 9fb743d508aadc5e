package store

import (
	"math/rand"
	"strconv"
	"time"
)

// cursorEpoch is the reference point cursors count intervals from.
var cursorEpoch = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)

// cursorIntervalSeconds is the width of one cursor interval.
const cursorIntervalSeconds = 20

// Jitter range applied when a client's cursor already leads the server's,
// to spread reconnects after a clock-skew event (spec §4.1, §9).
const (
	minJitterSeconds = 1
	maxJitterSeconds = 3600
)

// CalculateCursor returns the current epoch-interval number, as a decimal
// string.
func CalculateCursor(now time.Time) string {
	intervalMs := int64(cursorIntervalSeconds * 1000)
	delta := now.UnixMilli() - cursorEpoch.UnixMilli()
	return strconv.FormatInt(delta/intervalMs, 10)
}

// GenerateCursorResponse implements spec §4.1's generateResponse: if the
// client supplied no cursor, or theirs is non-numeric or behind the
// server's, return the current interval. Otherwise the client is at or
// ahead of the server's clock, so advance by a random jitter
// (ceil(uniform(1..3600s)/interval), always >= 1 interval) to avoid
// synchronized reconnect storms.
func GenerateCursorResponse(clientCursor string, now time.Time) string {
	current := CalculateCursor(now)
	if clientCursor == "" {
		return current
	}
	currentN, _ := strconv.ParseInt(current, 10, 64)
	clientN, err := strconv.ParseInt(clientCursor, 10, 64)
	if err != nil || clientN < currentN {
		return current
	}
	jitterSeconds := minJitterSeconds + rand.Intn(maxJitterSeconds-minJitterSeconds+1)
	jitterIntervals := int64((jitterSeconds + cursorIntervalSeconds - 1) / cursorIntervalSeconds)
	if jitterIntervals < 1 {
		jitterIntervals = 1
	}
	return strconv.FormatInt(clientN+jitterIntervals, 10)
}
