package extendiblehash

import (
	"encoding/binary"
	"fmt"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// HeaderMaxDepthLimit bounds the header's hash-prefix width so that its
// directory id array fits in one page.
const HeaderMaxDepthLimit = 9

const (
	headerArraySize      = 1 << HeaderMaxDepthLimit
	headerMaxDepthOffset = headerArraySize * 4
)

// HeaderPage is a view over a page holding
//
//	directory_page_ids[512] int32 | max_depth uint32
//
// A directory index is taken from the top max_depth bits of a key's hash.
type HeaderPage struct {
	data []byte
}

func AsHeaderPage(data []byte) HeaderPage {
	return HeaderPage{data: data}
}

// Init resets every slot to InvalidPageID.
func (h HeaderPage) Init(maxDepth uint32) {
	if maxDepth > HeaderMaxDepthLimit {
		panic(fmt.Sprintf("header page: max depth %d exceeds limit %d", maxDepth, HeaderMaxDepthLimit))
	}
	for i := 0; i < headerArraySize; i++ {
		h.SetDirectoryPageID(uint32(i), pagemanager.InvalidPageID)
	}
	binary.LittleEndian.PutUint32(h.data[headerMaxDepthOffset:], maxDepth)
}

func (h HeaderPage) HashToDirectoryIndex(hash uint32) uint32 {
	depth := h.MaxDepth()
	if depth == 0 {
		return 0
	}
	return hash >> (32 - depth)
}

func (h HeaderPage) GetDirectoryPageID(idx uint32) pagemanager.PageID {
	return pagemanager.PageID(int32(binary.LittleEndian.Uint32(h.data[idx*4:])))
}

func (h HeaderPage) SetDirectoryPageID(idx uint32, id pagemanager.PageID) {
	binary.LittleEndian.PutUint32(h.data[idx*4:], uint32(id))
}

func (h HeaderPage) MaxDepth() uint32 {
	return binary.LittleEndian.Uint32(h.data[headerMaxDepthOffset:])
}

// MaxSize is the number of directory slots addressable at the current depth.
func (h HeaderPage) MaxSize() uint32 {
	return 1 << h.MaxDepth()
}
