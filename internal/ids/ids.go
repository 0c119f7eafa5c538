// Package ids generates the identifiers used as primary keys across the
// store. ULIDs are lexicographically sortable, which the gate evaluator
// relies on for deterministic tie-breaking.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh ULID string. Safe for concurrent use.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewCorrelation returns a correlation id for grouping related events.
func NewCorrelation() string {
	return uuid.NewString()
}
