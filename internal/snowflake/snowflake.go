// Package snowflake generates time-ordered message ids on the client.
//
// IDs are rendered as fixed-width decimal strings so that lexical order
// matches numeric (and therefore creation) order.
package snowflake

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

// Custom epoch: January 1, 2025 00:00:00 UTC.
const epoch int64 = 1735689600000

// Bit layout.
const (
	nodeIDBits   = 10
	sequenceBits = 12

	maxNodeID   = (1 << nodeIDBits) - 1
	maxSequence = (1 << sequenceBits) - 1

	nodeIDShift    = sequenceBits
	timestampShift = sequenceBits + nodeIDBits

	width = 19
)

// ID is a snowflake id.
type ID int64

func (id ID) Int64() int64 { return int64(id) }

// String renders the id zero-padded to 19 digits.
func (id ID) String() string {
	return fmt.Sprintf("%0*d", width, int64(id))
}

// Time returns the wall-clock time embedded in the id.
func (id ID) Time() time.Time {
	return time.UnixMilli((int64(id) >> timestampShift) + epoch)
}

// Parse parses an id produced by String.
func Parse(s string) (ID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("snowflake: invalid id string %q: %w", s, err)
	}
	return ID(n), nil
}

// Generator produces unique snowflake ids.
type Generator struct {
	mu       sync.Mutex
	nodeID   int64
	sequence int64
	lastTime int64
	now      func() time.Time
}

// NodeID derives a node id from a user id and a per-process salt.
func NodeID(userID string, salt uint32) int64 {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int64((h.Sum32() ^ salt) & maxNodeID)
}

// NewGenerator creates a generator for nodeID, which must be in [0, 1023].
func NewGenerator(nodeID int64) (*Generator, error) {
	if nodeID < 0 || nodeID > maxNodeID {
		return nil, fmt.Errorf("snowflake: nodeID must be between 0 and %d", maxNodeID)
	}
	return &Generator{nodeID: nodeID, now: time.Now}, nil
}

// Generate returns the next unique id.
func (g *Generator) Generate() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UnixMilli() - epoch
	if now < g.lastTime {
		// Clock moved backwards; keep ids monotonic.
		now = g.lastTime
	}

	if now == g.lastTime {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// Sequence exhausted; spin until next millisecond.
			for now <= g.lastTime {
				now = g.now().UnixMilli() - epoch
			}
		}
	} else {
		g.sequence = 0
	}

	g.lastTime = now

	return ID((now << timestampShift) | (g.nodeID << nodeIDShift) | g.sequence)
}

// Next returns the next id as a string.
func (g *Generator) Next() string {
	return g.Generate().String()
}
