package pagemanager

import (
	"sync"        // For sync.RWMutex
	"sync/atomic" // Pin count and dirty flag are read outside the pool lock
)

// --- Page Management ---

const (
	// PageSize is the size of every on-disk page and every buffer pool frame.
	PageSize = 4096

	InvalidPageID  PageID  = -1
	InvalidFrameID FrameID = -1
)

// PageID represents a unique identifier for a page on disk.
type PageID int32

// FrameID identifies a slot in the buffer pool's frame array.
type FrameID int32

// Page represents an in-memory copy of a disk page held in one buffer pool frame.
type Page struct {
	id       PageID
	data     []byte
	pinCount atomic.Int32
	isDirty  atomic.Bool

	// latch protects the contents of data. It is independent of pinCount:
	// a pinned page can be read or written only while holding the matching latch.
	latch sync.RWMutex
}

// NewPage creates an empty frame-sized Page that does not hold any page yet.
func NewPage() *Page {
	return &Page{
		id:   InvalidPageID,
		data: make([]byte, PageSize),
	}
}

// Reset clears metadata and zeroes the contents so a recycled frame never leaks old bytes.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount.Store(0)
	p.isDirty.Store(false)
	p.ResetMemory()
}

// ResetMemory zeroes the page contents without touching metadata.
func (p *Page) ResetMemory() {
	clear(p.data)
}

func (p *Page) GetData() []byte     { return p.data }
func (p *Page) GetPageID() PageID   { return p.id }
func (p *Page) SetPageID(id PageID) { p.id = id }
func (p *Page) IsDirty() bool       { return p.isDirty.Load() }
func (p *Page) SetDirty(dirty bool) { p.isDirty.Store(dirty) }
func (p *Page) Pin() int32          { return p.pinCount.Add(1) }

// Unpin decrements the pin count and returns the new value. It never goes below zero.
func (p *Page) Unpin() int32 {
	for {
		cur := p.pinCount.Load()
		if cur == 0 {
			return 0
		}
		if p.pinCount.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}
func (p *Page) GetPinCount() int32         { return p.pinCount.Load() }
func (p *Page) SetPinCount(pinCount int32) { p.pinCount.Store(pinCount) }

// --- Latch Methods ---

// RLock acquires a read (shared) latch on the page.
func (p *Page) RLock() {
	p.latch.RLock()
}

// RUnlock releases a read (shared) latch on the page.
func (p *Page) RUnlock() {
	p.latch.RUnlock()
}

// Lock acquires a write (exclusive) latch on the page.
func (p *Page) Lock() {
	p.latch.Lock()
}

func (p *Page) TryLock() bool {
	return p.latch.TryLock()
}

// Unlock releases a write (exclusive) latch on the page.
func (p *Page) Unlock() {
	p.latch.Unlock()
}
