// Package ids generates the identifiers MiniBus puts on the wire.
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

// NewCorrelationID returns a random UUID in canonical form.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewClientID returns a time-sortable ULID naming a gateway session.
func NewClientID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
