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

// New returns a lexicographically sortable identifier for sessions, messages and keys.
func New() string {
	return At(time.Now())
}

// At returns an identifier whose timestamp component is t. Identifiers produced
// within the same millisecond keep increasing.
func At(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Prefixed returns New with a fixed prefix, e.g. "chatcmpl-".
func Prefixed(prefix string) string {
	return prefix + New()
}
