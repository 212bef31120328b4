package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	// Seed a PRNG from crypto/rand so ambient ULID entropy is
	// unpredictable. ulid.Monotonic keeps IDs generated within the same
	// millisecond lexicographically increasing.
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New returns a wall-clock ULID string (time-sortable identifier), used
// for run IDs and journal keys.
func New() string {
	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), mono)
	if err != nil {
		// Only possible if time goes backwards or entropy fails.
		panic(err)
	}
	return id.String()
}

// Source generates ULIDs from an explicit seed and explicit timestamps.
// Two sources built from the same seed and fed the same timestamps emit
// identical ID sequences, which is what makes simulated trade IDs
// reproducible across runs. A Source is not safe for concurrent use;
// every run owns its own.
type Source struct {
	entropy io.Reader
}

// NewSource returns a deterministic ULID source for one run.
func NewSource(seed int64) *Source {
	return &Source{entropy: ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)}
}

// New returns the next ULID stamped with the given simulation time.
func (s *Source) New(ts time.Time) string {
	id, err := ulid.New(ulid.Timestamp(ts.UTC()), s.entropy)
	if err != nil {
		panic(err)
	}
	return id.String()
}
