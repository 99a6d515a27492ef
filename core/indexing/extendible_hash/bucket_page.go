package extendiblehash

import (
	"encoding/binary"
	"fmt"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

const bucketHeaderSize = 8

// BucketArraySize is how many entries of entrySize bytes fit in one bucket page.
func BucketArraySize(entrySize int) uint32 {
	return uint32((pagemanager.PageSize - bucketHeaderSize) / entrySize)
}

// BucketPage is a view over a page holding
//
//	size uint32 | max_size uint32 | (key, value)[max_size]
//
// Entries are unordered and keys are unique. Removal keeps the remaining
// entries packed at the front.
type BucketPage[K any, V any] struct {
	data      []byte
	kc        Codec[K]
	vc        Codec[V]
	cmp       func(a, b K) int
	entrySize int
}

func AsBucketPage[K any, V any](data []byte, kc Codec[K], vc Codec[V], cmp func(a, b K) int) BucketPage[K, V] {
	return BucketPage[K, V]{data: data, kc: kc, vc: vc, cmp: cmp, entrySize: kc.Size + vc.Size}
}

// Init empties the bucket and fixes its capacity.
func (b BucketPage[K, V]) Init(maxSize uint32) {
	if maxSize == 0 || maxSize > BucketArraySize(b.entrySize) {
		panic(fmt.Sprintf("bucket page: max size %d outside [1, %d]", maxSize, BucketArraySize(b.entrySize)))
	}
	binary.LittleEndian.PutUint32(b.data[0:], 0)
	binary.LittleEndian.PutUint32(b.data[4:], maxSize)
}

func (b BucketPage[K, V]) Size() uint32 {
	return binary.LittleEndian.Uint32(b.data[0:])
}

func (b BucketPage[K, V]) setSize(n uint32) {
	binary.LittleEndian.PutUint32(b.data[0:], n)
}

func (b BucketPage[K, V]) MaxSize() uint32 {
	return binary.LittleEndian.Uint32(b.data[4:])
}

func (b BucketPage[K, V]) IsFull() bool  { return b.Size() >= b.MaxSize() }
func (b BucketPage[K, V]) IsEmpty() bool { return b.Size() == 0 }

func (b BucketPage[K, V]) entry(idx uint32) []byte {
	off := bucketHeaderSize + int(idx)*b.entrySize
	return b.data[off : off+b.entrySize]
}

func (b BucketPage[K, V]) KeyAt(idx uint32) K {
	return b.kc.Decode(b.entry(idx)[:b.kc.Size])
}

func (b BucketPage[K, V]) ValueAt(idx uint32) V {
	return b.vc.Decode(b.entry(idx)[b.kc.Size:])
}

func (b BucketPage[K, V]) EntryAt(idx uint32) (K, V) {
	return b.KeyAt(idx), b.ValueAt(idx)
}

func (b BucketPage[K, V]) indexOf(key K) (uint32, bool) {
	for i := uint32(0); i < b.Size(); i++ {
		if b.cmp(b.KeyAt(i), key) == 0 {
			return i, true
		}
	}
	return 0, false
}

func (b BucketPage[K, V]) Lookup(key K) (V, bool) {
	if i, ok := b.indexOf(key); ok {
		return b.ValueAt(i), true
	}
	var zero V
	return zero, false
}

// Insert appends (key, value). It returns false when the bucket is full or
// already holds key.
func (b BucketPage[K, V]) Insert(key K, value V) bool {
	if b.IsFull() {
		return false
	}
	if _, dup := b.indexOf(key); dup {
		return false
	}
	n := b.Size()
	e := b.entry(n)
	b.kc.Encode(e[:b.kc.Size], key)
	b.vc.Encode(e[b.kc.Size:], value)
	b.setSize(n + 1)
	return true
}

func (b BucketPage[K, V]) Remove(key K) bool {
	i, ok := b.indexOf(key)
	if !ok {
		return false
	}
	b.RemoveAt(i)
	return true
}

func (b BucketPage[K, V]) RemoveAt(idx uint32) {
	n := b.Size()
	if idx >= n {
		panic(fmt.Sprintf("bucket page: remove at %d with size %d", idx, n))
	}
	start := bucketHeaderSize + int(idx)*b.entrySize
	end := bucketHeaderSize + int(n)*b.entrySize
	copy(b.data[start:], b.data[start+b.entrySize:end])
	clear(b.data[end-b.entrySize : end])
	b.setSize(n - 1)
}
