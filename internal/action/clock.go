package action

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IsFirstOlder reports whether a causally precedes b.
//
// A nil meta is older than any real meta, so IsFirstOlder(nil, b) is
// true and IsFirstOlder(a, nil) is false. Comparison order: numeric
// Time first, then the per-node counter, then the node ID
// lexicographically, then the ID's own time component. The last step
// only matters for metas whose Time was shifted away from the ID, such
// as a confirmed fact recorded under its intent's timestamp. No wall
// clock drift correction happens here; convergence depends on this
// exact deterministic tie-break, not on true real time.
func IsFirstOlder(a, b *Meta) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	if a.Time != b.Time {
		return a.Time < b.Time
	}
	aTime, aNode, aCounter, aOK := a.ID.Parts()
	bTime, bNode, bCounter, bOK := b.ID.Parts()
	if !aOK || !bOK {
		// Malformed IDs fall back to a raw string compare so the order
		// is still total and deterministic.
		return a.ID < b.ID
	}
	if aCounter != bCounter {
		return aCounter < bCounter
	}
	if aNode != bNode {
		return aNode < bNode
	}
	return aTime < bTime
}

// Generator produces fresh, locally unique, causally placed action IDs
// for one node. IDs created within the same millisecond get an
// incremented counter, so the (time, counter, node) triple never
// repeats on a node.
//
// Thread-safety: safe for concurrent use.
type Generator struct {
	mu       sync.Mutex
	node     string
	lastTime int64
	counter  int64
	now      func() time.Time
}

// NewGenerator creates a Generator for the given node ID.
func NewGenerator(node string) *Generator {
	return &Generator{node: node, now: time.Now}
}

// NewGeneratorAt creates a Generator with a custom time source.
// Used by tests to make generated IDs deterministic.
func NewGeneratorAt(node string, now func() time.Time) *Generator {
	return &Generator{node: node, now: now}
}

// Node returns the generator's node ID.
func (g *Generator) Node() string {
	return g.node
}

// ID returns the next action ID. The accompanying Time for a fresh meta
// is the time component of the ID.
func (g *Generator) ID() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UnixMilli()
	if now <= g.lastTime {
		// Same millisecond, or local clock stepped backwards: keep the
		// last timestamp and bump the counter so IDs stay monotonic.
		now = g.lastTime
		g.counter++
	} else {
		g.lastTime = now
		g.counter = 0
	}
	return MakeID(now, g.node, g.counter)
}

// GenerateNodeID returns a short random node ID for a client process.
// The format is "<prefix>:<random>", matching the convention of
// user-scoped node IDs on the wire.
func GenerateNodeID(prefix string) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if prefix == "" {
		return random
	}
	return prefix + ":" + random
}
