package flushmanager

import (
	"fmt"
	"sync"
	"sync/atomic"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// MemoryDiskManager keeps pages in a map. It is used by tests and by tools
// that need a throwaway page space.
type MemoryDiskManager struct {
	mu        sync.RWMutex
	pages     map[pagemanager.PageID][]byte
	numWrites atomic.Int64
	numReads  atomic.Int64
}

func NewMemoryDiskManager() *MemoryDiskManager {
	return &MemoryDiskManager{pages: make(map[pagemanager.PageID][]byte)}
}

func (m *MemoryDiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	if err := checkPageBuffer(pageData); err != nil {
		return err
	}
	if pageID < 0 {
		return fmt.Errorf("%w: invalid page id %d", ErrIO, pageID)
	}
	m.numReads.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if stored, ok := m.pages[pageID]; ok {
		copy(pageData, stored)
		return nil
	}
	clear(pageData)
	return nil
}

func (m *MemoryDiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	if err := checkPageBuffer(pageData); err != nil {
		return err
	}
	if pageID < 0 {
		return fmt.Errorf("%w: invalid page id %d", ErrIO, pageID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.pages[pageID]
	if !ok {
		stored = make([]byte, pagemanager.PageSize)
		m.pages[pageID] = stored
	}
	copy(stored, pageData)
	m.numWrites.Add(1)
	return nil
}

// NumPages returns one past the highest page id ever written.
func (m *MemoryDiskManager) NumPages() int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int32
	for id := range m.pages {
		if int32(id)+1 > n {
			n = int32(id) + 1
		}
	}
	return n
}

func (m *MemoryDiskManager) GetNumWrites() int64 { return m.numWrites.Load() }
func (m *MemoryDiskManager) GetNumReads() int64  { return m.numReads.Load() }
