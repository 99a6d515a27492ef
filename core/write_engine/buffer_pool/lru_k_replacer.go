package bufferpool

import (
	"fmt"
	"sync"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// lruKNode is the access history of one frame. history holds at most k
// timestamps, oldest first, so history[0] is the k-th most recent access
// once the node has seen k accesses.
type lruKNode struct {
	history   []uint64
	evictable bool
}

// LRUKReplacer picks eviction victims by backward k-distance, the time since
// a frame's k-th most recent access. Frames with fewer than k recorded
// accesses have an infinite distance and are evicted first, oldest first.
type LRUKReplacer struct {
	mu       sync.Mutex
	nodes    []*lruKNode // indexed by FrameID, nil when untracked
	k        int
	currSize int
	clock    *LogicalClock
}

// NewLRUKReplacer creates a replacer for numFrames frames. A nil clock gets a
// private one.
func NewLRUKReplacer(numFrames, k int, clock *LogicalClock) *LRUKReplacer {
	if numFrames <= 0 {
		panic(fmt.Sprintf("lru-k replacer: invalid frame count %d", numFrames))
	}
	if k <= 0 {
		panic(fmt.Sprintf("lru-k replacer: invalid k %d", k))
	}
	if clock == nil {
		clock = NewLogicalClock()
	}
	return &LRUKReplacer{
		nodes: make([]*lruKNode, numFrames),
		k:     k,
		clock: clock,
	}
}

func (r *LRUKReplacer) checkFrame(frameID pagemanager.FrameID) {
	if frameID < 0 || int(frameID) >= len(r.nodes) {
		panic(fmt.Sprintf("lru-k replacer: frame id %d out of range [0, %d)", frameID, len(r.nodes)))
	}
}

// Evict removes and returns the evictable frame with the largest backward
// k-distance. It returns false when no frame is evictable.
func (r *LRUKReplacer) Evict() (pagemanager.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Tick()

	victim := pagemanager.InvalidFrameID
	victimInf := false
	var victimDist, victimFirst uint64
	for i, node := range r.nodes {
		if node == nil || !node.evictable {
			continue
		}
		first := node.history[0]
		inf := len(node.history) < r.k
		var dist uint64
		if !inf {
			dist = now - first
		}

		better := false
		switch {
		case victim == pagemanager.InvalidFrameID:
			better = true
		case inf != victimInf:
			better = inf
		case inf:
			better = first < victimFirst
		default:
			better = dist > victimDist
		}
		if better {
			victim = pagemanager.FrameID(i)
			victimInf = inf
			victimDist = dist
			victimFirst = first
		}
	}
	if victim == pagemanager.InvalidFrameID {
		return pagemanager.InvalidFrameID, false
	}
	r.nodes[victim] = nil
	r.currSize--
	return victim, true
}

// RecordAccess stamps frameID with the current logical time, creating its
// history on first use. New histories start non-evictable.
func (r *LRUKReplacer) RecordAccess(frameID pagemanager.FrameID) {
	r.checkFrame(frameID)
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.clock.Tick()

	node := r.nodes[frameID]
	if node == nil {
		node = &lruKNode{history: make([]uint64, 0, r.k)}
		r.nodes[frameID] = node
	}
	if len(node.history) == r.k {
		copy(node.history, node.history[1:])
		node.history = node.history[:r.k-1]
	}
	node.history = append(node.history, ts)
}

// SetEvictable toggles whether frameID may be chosen by Evict. Untracked
// frames are ignored.
func (r *LRUKReplacer) SetEvictable(frameID pagemanager.FrameID, evictable bool) {
	r.checkFrame(frameID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock.Tick()

	node := r.nodes[frameID]
	if node == nil || node.evictable == evictable {
		return
	}
	node.evictable = evictable
	if evictable {
		r.currSize++
	} else {
		r.currSize--
	}
}

// Remove forgets frameID's history regardless of its k-distance. Removing an
// untracked frame is a no-op; removing a non-evictable one panics.
func (r *LRUKReplacer) Remove(frameID pagemanager.FrameID) {
	r.checkFrame(frameID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock.Tick()

	node := r.nodes[frameID]
	if node == nil {
		return
	}
	if !node.evictable {
		panic(fmt.Sprintf("lru-k replacer: removing non-evictable frame %d", frameID))
	}
	r.nodes[frameID] = nil
	r.currSize--
}

// Size returns the number of evictable frames.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock.Tick()
	return r.currSize
}
