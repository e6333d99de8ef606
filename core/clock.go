package core

// clock.go – monotonic time, node/task identity, and the fixed content hash
// used by every external verifier. All ordering decisions in the kernel use
// monotonic readings; all persisted timestamps use wall time captured at the
// moment of a monotonic advance (§4.A).

import (
	"crypto/sha256"
	"time"

	"github.com/google/uuid"
)

// Clock is the single time source injected into every component so tests can
// substitute a fake. Production code uses SystemClock.
type Clock interface {
	// Now returns a time.Time carrying both the monotonic reading (used for
	// ordering/deadlines) and the wall-clock reading (used for display and
	// persistence).
	Now() time.Time
}

// SystemClock is the production Clock backed by the OS.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// monotonicEpoch is the process-local origin MonotonicMillis counts from.
var monotonicEpoch = time.Now()

// MonotonicMillis returns milliseconds since an arbitrary epoch, derived
// from the monotonic component of Now. It is suitable for ordering and
// deadline arithmetic but never for cross-process display.
func MonotonicMillis(c Clock) int64 {
	return c.Now().Sub(monotonicEpoch).Milliseconds()
}

// WallMillis returns the Unix millisecond wall-clock timestamp suitable for
// persistence and user-facing display only.
func WallMillis(c Clock) int64 {
	return c.Now().UnixMilli()
}

// NewTaskID returns a fresh random identifier for a task, batch, or proof.
func NewTaskID() string {
	return uuid.NewString()
}

// NewNodeID returns a fresh random node identifier. Deployments normally
// pin node_id in configuration; this helper exists for bootstrap tooling.
func NewNodeID() string {
	return uuid.NewString()
}

// ContentHash is the system-wide fixed cryptographic hash (SHA-256) so that
// external verifiers — the EVM settlement contract and the Solana-family
// program — agree on digests without negotiation. This is the one place the
// standard library is used directly in place of a third-party crypto
// library: the wire format pins the algorithm for every external verifier,
// so there is no room for a pluggable hash implementation (see DESIGN.md).
func ContentHash(parts ...[]byte) [32]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// EmptySubtreeHash returns the precomputed hash of a perfectly empty subtree
// of the given height, used by the Merkle index (component B) to pad
// missing right subtrees so every proof carries exactly D entries.
func EmptySubtreeHash(height int) [32]byte {
	cur := ContentHash([]byte("bridge-sequencer/empty-leaf"))
	for i := 0; i < height; i++ {
		cur = ContentHash(cur[:], cur[:])
	}
	return cur
}
