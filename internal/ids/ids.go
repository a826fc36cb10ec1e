package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a lexicographically sortable identifier. Identifiers minted in
// the same millisecond still sort in creation order.
func New() string {
	return NewAt(time.Now())
}

// NewAt mints an identifier carrying the given timestamp.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Valid reports whether s parses as an identifier minted by New.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
