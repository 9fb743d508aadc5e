package store

import (
	"fmt"
	"regexp"
	"time"
)

// ttlPattern matches a positive decimal integer with no leading zero,
// per spec §4.1.
var ttlPattern = regexp.MustCompile(`^[1-9][0-9]*$`)

// ParseTTLSeconds validates and parses a Stream-TTL value.
func ParseTTLSeconds(s string) (int64, error) {
	if !ttlPattern.MatchString(s) {
		return 0, fmt.Errorf("invalid ttl: %q", s)
	}
	var v int64
	for i := 0; i < len(s); i++ {
		v = v*10 + int64(s[i]-'0')
	}
	return v, nil
}

// expiresAtPattern enforces ISO 8601 with mandatory seconds and mandatory
// Z or +HH:MM/-HH:MM offset, per spec §4.1, before attempting a date parse.
var expiresAtPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})$`)

// ParseExpiresAt validates and parses a Stream-Expires-At value.
func ParseExpiresAt(s string) (time.Time, error) {
	if !expiresAtPattern.MatchString(s) {
		return time.Time{}, fmt.Errorf("invalid expires-at: %q", s)
	}
	return time.Parse(time.RFC3339Nano, s)
}

// IsExpired reports whether a stream created at createdAt, with the given
// optional ttlSeconds and/or expiresAt, has expired as of now. A stream is
// expired when expiresAt has passed, or createdAt+ttlSeconds*1000ms <= now
// (spec §3 invariant I5, §4.1).
func IsExpired(createdAt time.Time, ttlSeconds *int64, expiresAt *time.Time, now time.Time) bool {
	if expiresAt != nil && now.After(*expiresAt) {
		return true
	}
	if ttlSeconds != nil {
		deadline := createdAt.Add(time.Duration(*ttlSeconds) * time.Second)
		if !now.Before(deadline) {
			return true
		}
	}
	return false
}
