package bufferpool

import (
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// --- Page Guards ---
//
// A guard owns one pin on one page. Dropping it gives the pin back to the
// pool exactly once; later Drop calls are no-ops. Guards must not be copied:
// use Move to hand ownership to another variable, which leaves the source
// empty.

// BasicPageGuard holds a pinned page without any latch.
type BasicPageGuard struct {
	bpm     *BufferPoolManager
	page    *pagemanager.Page
	isDirty bool
}

func newBasicPageGuard(bpm *BufferPoolManager, page *pagemanager.Page) *BasicPageGuard {
	return &BasicPageGuard{bpm: bpm, page: page}
}

// IsValid reports whether the guard still owns a page.
func (g *BasicPageGuard) IsValid() bool { return g != nil && g.page != nil }

func (g *BasicPageGuard) PageID() pagemanager.PageID {
	if !g.IsValid() {
		return pagemanager.InvalidPageID
	}
	return g.page.GetPageID()
}

func (g *BasicPageGuard) GetData() []byte {
	return g.page.GetData()
}

// GetDataMut returns the page bytes and marks the page dirty for the unpin
// that happens on Drop.
func (g *BasicPageGuard) GetDataMut() []byte {
	g.isDirty = true
	return g.page.GetData()
}

// Drop unpins the page. It is safe to call more than once.
func (g *BasicPageGuard) Drop() {
	if !g.IsValid() {
		return
	}
	g.bpm.UnpinPage(g.page.GetPageID(), g.isDirty)
	g.release()
}

func (g *BasicPageGuard) release() {
	g.bpm = nil
	g.page = nil
	g.isDirty = false
}

// Move transfers ownership to a new guard and leaves g empty.
func (g *BasicPageGuard) Move() *BasicPageGuard {
	moved := &BasicPageGuard{bpm: g.bpm, page: g.page, isDirty: g.isDirty}
	g.release()
	return moved
}

// UpgradeRead takes the page's read latch and turns g into a ReadPageGuard
// without pinning again. g is left empty.
func (g *BasicPageGuard) UpgradeRead() *ReadPageGuard {
	if !g.IsValid() {
		return &ReadPageGuard{}
	}
	g.page.RLock()
	return &ReadPageGuard{guard: *g.Move()}
}

// UpgradeWrite takes the page's write latch and turns g into a
// WritePageGuard without pinning again. g is left empty.
func (g *BasicPageGuard) UpgradeWrite() *WritePageGuard {
	if !g.IsValid() {
		return &WritePageGuard{}
	}
	g.page.Lock()
	return &WritePageGuard{guard: *g.Move()}
}

// ReadPageGuard holds a pinned page and its shared latch.
type ReadPageGuard struct {
	guard BasicPageGuard
}

func (g *ReadPageGuard) IsValid() bool              { return g != nil && g.guard.IsValid() }
func (g *ReadPageGuard) PageID() pagemanager.PageID { return g.guard.PageID() }
func (g *ReadPageGuard) GetData() []byte            { return g.guard.GetData() }

// Drop releases the read latch, then the pin.
func (g *ReadPageGuard) Drop() {
	if !g.IsValid() {
		return
	}
	g.guard.page.RUnlock()
	g.guard.Drop()
}

func (g *ReadPageGuard) Move() *ReadPageGuard {
	return &ReadPageGuard{guard: *g.guard.Move()}
}

// WritePageGuard holds a pinned page and its exclusive latch.
type WritePageGuard struct {
	guard BasicPageGuard
}

func (g *WritePageGuard) IsValid() bool              { return g != nil && g.guard.IsValid() }
func (g *WritePageGuard) PageID() pagemanager.PageID { return g.guard.PageID() }
func (g *WritePageGuard) GetData() []byte            { return g.guard.GetData() }
func (g *WritePageGuard) GetDataMut() []byte         { return g.guard.GetDataMut() }

// Drop releases the write latch, then the pin.
func (g *WritePageGuard) Drop() {
	if !g.IsValid() {
		return
	}
	g.guard.page.Unlock()
	g.guard.Drop()
}

func (g *WritePageGuard) Move() *WritePageGuard {
	return &WritePageGuard{guard: *g.guard.Move()}
}

// --- Guarded pool entry points ---

// NewPageGuarded allocates a page like NewPage and wraps it in a basic guard.
func (bpm *BufferPoolManager) NewPageGuarded() (*BasicPageGuard, error) {
	page, err := bpm.NewPage()
	if err != nil {
		return nil, err
	}
	return newBasicPageGuard(bpm, page), nil
}

func (bpm *BufferPoolManager) FetchPageBasic(pageID pagemanager.PageID) (*BasicPageGuard, error) {
	page, err := bpm.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	return newBasicPageGuard(bpm, page), nil
}

// FetchPageRead pins pageID and blocks until its read latch is held.
func (bpm *BufferPoolManager) FetchPageRead(pageID pagemanager.PageID) (*ReadPageGuard, error) {
	page, err := bpm.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	page.RLock()
	return &ReadPageGuard{guard: BasicPageGuard{bpm: bpm, page: page}}, nil
}

// FetchPageWrite pins pageID and blocks until its write latch is held.
func (bpm *BufferPoolManager) FetchPageWrite(pageID pagemanager.PageID) (*WritePageGuard, error) {
	page, err := bpm.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	page.Lock()
	return &WritePageGuard{guard: BasicPageGuard{bpm: bpm, page: page}}, nil
}
