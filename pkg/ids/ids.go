package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewDecisionID returns a lexicographically sortable identifier for audit decisions.
// Identifiers minted within the same millisecond are strictly increasing.
func NewDecisionID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

// Valid reports whether s parses as a decision identifier
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
