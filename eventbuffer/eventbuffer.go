// Package eventbuffer provides TTL-bounded deduplication of Socket Mode
// envelope IDs. Adapters are pluggable: the in-memory adapter covers
// single-process deployments, the Redis adapter shares dedupe state across
// nodes.
package eventbuffer

import (
	"context"
	"time"
)

// Result reports whether a Record call stored a new entry or hit an
// existing one.
type Result int

const (
	// RecordOK means the key was unseen and is now recorded.
	RecordOK Result = iota
	// RecordDuplicate means the key was already recorded within its TTL.
	// The entry's TTL has been refreshed; its payload is unchanged.
	RecordDuplicate
)

func (r Result) String() string {
	if r == RecordDuplicate {
		return "duplicate"
	}
	return "ok"
}

// Entry is one recorded envelope that has not expired or been deleted.
type Entry struct {
	Key        string
	Payload    []byte
	RecordedAt time.Time
	ExpiresAt  time.Time
}

// Adapter is the dedupe store contract the dispatcher depends on.
//
// Implementations must provide:
//   - empty-key tolerance: Record("", p) returns RecordOK without storing,
//     Seen("") is false, Delete("") is a no-op;
//   - first-write-wins: a duplicate Record never overwrites the payload;
//   - TTL refresh on duplicate, expiry after ttl of no refresh;
//   - Pending in recording order, expired entries excluded;
//   - atomic set-if-absent: N concurrent Records of one key yield exactly
//     one RecordOK.
type Adapter interface {
	Record(ctx context.Context, key string, payload []byte) (Result, error)
	Delete(ctx context.Context, key string) error
	Seen(ctx context.Context, key string) (bool, error)
	Pending(ctx context.Context) ([]Entry, error)
}

// pruneThreshold bounds how long an entry may linger in the pending index.
// Entries whose recording time falls outside the window are dropped even if
// duplicate traffic kept refreshing their TTL.
func pruneThreshold(ttl time.Duration) time.Duration {
	const floor = 10 * time.Minute
	if ttl > floor {
		return ttl
	}
	return floor
}
