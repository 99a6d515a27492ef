package bufferpool

import "sync/atomic"

// LogicalClock is a monotonically increasing counter used as the access
// timestamp source of the replacer. One clock can be shared by several
// components that need a common notion of "when".
type LogicalClock struct {
	now atomic.Uint64
}

func NewLogicalClock() *LogicalClock {
	return &LogicalClock{}
}

// Tick advances the clock and returns the new timestamp.
func (c *LogicalClock) Tick() uint64 {
	return c.now.Add(1)
}

// Now returns the current timestamp without advancing it.
func (c *LogicalClock) Now() uint64 {
	return c.now.Load()
}
