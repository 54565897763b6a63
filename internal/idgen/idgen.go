// Package idgen produces idempotency keys for ledger entries.
package idgen

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator hands out monotonic ULID strings. Keys created in the same
// millisecond still sort in creation order.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// New seeds a generator from crypto/rand.
func New() *Generator {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(seed)), 0),
		now:     time.Now,
	}
}

// NewKey returns a fresh ULID string.
func (g *Generator) NewKey() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(g.now().UTC()), g.entropy)
	if err != nil {
		// Only possible if the clock goes backwards past the monotonic window.
		panic(err)
	}
	return id.String()
}

var std = New()

// NewKey returns a key from the package-level generator.
func NewKey() string { return std.NewKey() }
