package extendiblehash

import (
	"encoding/binary"
	"fmt"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// DirectoryMaxDepthLimit bounds the directory's global depth so that its
// slot arrays fit in one page.
const DirectoryMaxDepthLimit = 9

const (
	directoryArraySize   = 1 << DirectoryMaxDepthLimit
	dirGlobalDepthOffset = 0
	dirMaxDepthOffset    = 4
	dirLocalDepthsOffset = 8
	dirBucketIDsOffset   = dirLocalDepthsOffset + directoryArraySize
)

// DirectoryPage is a view over a page holding
//
//	global_depth uint32 | max_depth uint32 | local_depths[512] uint8 | bucket_page_ids[512] int32
//
// Slot i serves every hash whose low global_depth bits equal i.
type DirectoryPage struct {
	data []byte
}

func AsDirectoryPage(data []byte) DirectoryPage {
	return DirectoryPage{data: data}
}

// Init sets global depth 0 and clears every slot.
func (d DirectoryPage) Init(maxDepth uint32) {
	if maxDepth > DirectoryMaxDepthLimit {
		panic(fmt.Sprintf("directory page: max depth %d exceeds limit %d", maxDepth, DirectoryMaxDepthLimit))
	}
	binary.LittleEndian.PutUint32(d.data[dirGlobalDepthOffset:], 0)
	binary.LittleEndian.PutUint32(d.data[dirMaxDepthOffset:], maxDepth)
	for i := uint32(0); i < directoryArraySize; i++ {
		d.SetLocalDepth(i, 0)
		d.SetBucketPageID(i, pagemanager.InvalidPageID)
	}
}

func (d DirectoryPage) HashToBucketIndex(hash uint32) uint32 {
	return hash & d.GetGlobalDepthMask()
}

func (d DirectoryPage) GetBucketPageID(idx uint32) pagemanager.PageID {
	return pagemanager.PageID(int32(binary.LittleEndian.Uint32(d.data[dirBucketIDsOffset+idx*4:])))
}

func (d DirectoryPage) SetBucketPageID(idx uint32, id pagemanager.PageID) {
	binary.LittleEndian.PutUint32(d.data[dirBucketIDsOffset+idx*4:], uint32(id))
}

// GetSplitImageIndex returns the slot that differs from idx only in the
// highest bit covered by idx's local depth.
func (d DirectoryPage) GetSplitImageIndex(idx uint32) uint32 {
	ld := d.GetLocalDepth(idx)
	if ld == 0 {
		return idx
	}
	return (idx & d.GetLocalDepthMask(idx)) ^ (1 << (ld - 1))
}

func (d DirectoryPage) GetGlobalDepth() uint32 {
	return binary.LittleEndian.Uint32(d.data[dirGlobalDepthOffset:])
}

func (d DirectoryPage) GetMaxDepth() uint32 {
	return binary.LittleEndian.Uint32(d.data[dirMaxDepthOffset:])
}

func (d DirectoryPage) GetGlobalDepthMask() uint32 {
	return (1 << d.GetGlobalDepth()) - 1
}

func (d DirectoryPage) GetLocalDepthMask(idx uint32) uint32 {
	return (1 << d.GetLocalDepth(idx)) - 1
}

// IncrGlobalDepth doubles the directory. Every new upper-half slot copies
// the bucket id and local depth of its lower-half twin.
func (d DirectoryPage) IncrGlobalDepth() {
	gd := d.GetGlobalDepth()
	if gd >= d.GetMaxDepth() {
		panic(fmt.Sprintf("directory page: cannot grow past max depth %d", d.GetMaxDepth()))
	}
	half := uint32(1) << gd
	for i := uint32(0); i < half; i++ {
		d.SetBucketPageID(i+half, d.GetBucketPageID(i))
		d.SetLocalDepth(i+half, d.GetLocalDepth(i))
	}
	binary.LittleEndian.PutUint32(d.data[dirGlobalDepthOffset:], gd+1)
}

// DecrGlobalDepth halves the directory and clears the dropped upper half.
func (d DirectoryPage) DecrGlobalDepth() {
	gd := d.GetGlobalDepth()
	if gd == 0 {
		panic("directory page: cannot shrink below depth 0")
	}
	half := uint32(1) << (gd - 1)
	for i := half; i < 2*half; i++ {
		d.SetBucketPageID(i, pagemanager.InvalidPageID)
		d.SetLocalDepth(i, 0)
	}
	binary.LittleEndian.PutUint32(d.data[dirGlobalDepthOffset:], gd-1)
}

// CanShrink reports whether no slot uses all global_depth bits.
func (d DirectoryPage) CanShrink() bool {
	gd := d.GetGlobalDepth()
	if gd == 0 {
		return false
	}
	for i := uint32(0); i < d.Size(); i++ {
		if d.GetLocalDepth(i) == gd {
			return false
		}
	}
	return true
}

// Size is the number of slots in use, 2^global_depth.
func (d DirectoryPage) Size() uint32 {
	return 1 << d.GetGlobalDepth()
}

func (d DirectoryPage) MaxSize() uint32 {
	return 1 << d.GetMaxDepth()
}

func (d DirectoryPage) GetLocalDepth(idx uint32) uint32 {
	return uint32(d.data[dirLocalDepthsOffset+idx])
}

func (d DirectoryPage) SetLocalDepth(idx uint32, depth uint32) {
	d.data[dirLocalDepthsOffset+idx] = uint8(depth)
}

func (d DirectoryPage) IncrLocalDepth(idx uint32) {
	d.SetLocalDepth(idx, d.GetLocalDepth(idx)+1)
}

func (d DirectoryPage) DecrLocalDepth(idx uint32) {
	d.SetLocalDepth(idx, d.GetLocalDepth(idx)-1)
}

// VerifyIntegrity checks that
//   - every local depth is at most the global depth,
//   - slots sharing a bucket share its local depth and agree on its low bits,
//   - each bucket is referenced by exactly 2^(global_depth - local_depth) slots.
func (d DirectoryPage) VerifyIntegrity() error {
	gd := d.GetGlobalDepth()
	if gd > d.GetMaxDepth() {
		return fmt.Errorf("%w: global depth %d exceeds max depth %d", ErrCorruptDirectory, gd, d.GetMaxDepth())
	}
	type bucketInfo struct {
		count      uint32
		localDepth uint32
		lowBits    uint32
	}
	seen := make(map[pagemanager.PageID]*bucketInfo)
	for i := uint32(0); i < d.Size(); i++ {
		id := d.GetBucketPageID(i)
		ld := d.GetLocalDepth(i)
		if id == pagemanager.InvalidPageID {
			return fmt.Errorf("%w: slot %d has no bucket", ErrCorruptDirectory, i)
		}
		if ld > gd {
			return fmt.Errorf("%w: slot %d local depth %d > global depth %d", ErrCorruptDirectory, i, ld, gd)
		}
		info, ok := seen[id]
		if !ok {
			seen[id] = &bucketInfo{count: 1, localDepth: ld, lowBits: i & d.GetLocalDepthMask(i)}
			continue
		}
		if info.localDepth != ld {
			return fmt.Errorf("%w: bucket %d has local depths %d and %d", ErrCorruptDirectory, id, info.localDepth, ld)
		}
		if i&d.GetLocalDepthMask(i) != info.lowBits {
			return fmt.Errorf("%w: slot %d does not share bucket %d's low bits", ErrCorruptDirectory, i, id)
		}
		info.count++
	}
	for id, info := range seen {
		if want := uint32(1) << (gd - info.localDepth); info.count != want {
			return fmt.Errorf("%w: bucket %d referenced by %d slots, want %d", ErrCorruptDirectory, id, info.count, want)
		}
	}
	return nil
}
