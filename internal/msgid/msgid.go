// Package msgid generates OCPP-J message identifiers.
package msgid

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces a fresh message id on every call.
type Generator func() string

// New returns a random UUIDv4 string. Safe for concurrent use.
func New() string {
	return uuid.NewString()
}

// Sequence returns a Generator yielding prefix-1, prefix-2, ... for tests and
// deterministic replays.
func Sequence(prefix string) Generator {
	var n atomic.Uint64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}
