// Package ids generates turn identifiers. Turn ids are ULIDs drawn from a shared
// monotonic entropy source, so ids minted within the same millisecond still sort in
// the order they were generated.
package ids

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewTurnID returns a ULID string whose timestamp part is t.
func NewTurnID(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// IsTurnID reports whether s parses as a ULID.
func IsTurnID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
