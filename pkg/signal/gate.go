package signal

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Gate tracks how many consecutive cycles each pair kept qualifying. Counters
// survive restarts through Export/Import; losing them only delays entries,
// never corrupts them.
type Gate struct {
	counters map[string]int
}

// NewGate starts with empty counters.
func NewGate() *Gate {
	return &Gate{counters: make(map[string]int)}
}

// Apply advances the gate for one cycle: every qualified key is incremented,
// every previously-seen key that did not re-qualify resets to zero. Returns
// the post-update count per qualified key.
func (g *Gate) Apply(qualified []string) map[string]int {
	seen := make(map[string]struct{}, len(qualified))
	out := make(map[string]int, len(qualified))
	for _, key := range qualified {
		seen[key] = struct{}{}
		g.counters[key]++
		out[key] = g.counters[key]
	}
	for key := range g.counters {
		if _, ok := seen[key]; !ok {
			g.counters[key] = 0
		}
	}
	return out
}

// Count returns the current counter for a pair key.
func (g *Gate) Count(key string) int {
	return g.counters[key]
}

// Export serializes the counters for the state store.
func (g *Gate) Export() ([]byte, error) {
	data, err := msgpack.Marshal(g.counters)
	if err != nil {
		return nil, fmt.Errorf("signal: export persistence counters: %w", err)
	}
	return data, nil
}

// Import replaces the counters with a previously exported set.
func (g *Gate) Import(data []byte) error {
	if len(data) == 0 {
		g.counters = make(map[string]int)
		return nil
	}
	counters := make(map[string]int)
	if err := msgpack.Unmarshal(data, &counters); err != nil {
		return fmt.Errorf("signal: import persistence counters: %w", err)
	}
	g.counters = counters
	return nil
}
