package extendiblehash

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// Codec lays out values of type T in a fixed number of bytes inside a page.
type Codec[T any] struct {
	Size   int
	Encode func(dst []byte, v T)
	Decode func(src []byte) T
}

// HashFunc maps a key to the 32-bit hash used to address directories and buckets.
type HashFunc[K any] func(key K) uint32

// XXHashFunc hashes the encoded form of a key with xxHash64 and keeps the low
// 32 bits.
func XXHashFunc[K any](c Codec[K]) HashFunc[K] {
	return func(key K) uint32 {
		buf := make([]byte, c.Size)
		c.Encode(buf, key)
		return uint32(xxhash.Sum64(buf))
	}
}

var Int32Codec = Codec[int32]{
	Size:   4,
	Encode: func(dst []byte, v int32) { binary.LittleEndian.PutUint32(dst, uint32(v)) },
	Decode: func(src []byte) int32 { return int32(binary.LittleEndian.Uint32(src)) },
}

var Int64Codec = Codec[int64]{
	Size:   8,
	Encode: func(dst []byte, v int64) { binary.LittleEndian.PutUint64(dst, uint64(v)) },
	Decode: func(src []byte) int64 { return int64(binary.LittleEndian.Uint64(src)) },
}

var Uint64Codec = Codec[uint64]{
	Size:   8,
	Encode: func(dst []byte, v uint64) { binary.LittleEndian.PutUint64(dst, v) },
	Decode: func(src []byte) uint64 { return binary.LittleEndian.Uint64(src) },
}

// RID locates a tuple by page and slot.
type RID struct {
	PageID  pagemanager.PageID
	SlotNum uint32
}

var RIDCodec = Codec[RID]{
	Size: 8,
	Encode: func(dst []byte, v RID) {
		binary.LittleEndian.PutUint32(dst[0:4], uint32(v.PageID))
		binary.LittleEndian.PutUint32(dst[4:8], v.SlotNum)
	},
	Decode: func(src []byte) RID {
		return RID{
			PageID:  pagemanager.PageID(int32(binary.LittleEndian.Uint32(src[0:4]))),
			SlotNum: binary.LittleEndian.Uint32(src[4:8]),
		}
	},
}

// BytesCodec stores byte strings of up to maxLen bytes behind a 2-byte length
// prefix. Encoding a longer value panics; callers check lengths first.
func BytesCodec(maxLen int) Codec[[]byte] {
	if maxLen <= 0 || maxLen > 0xFFFF {
		panic(fmt.Sprintf("extendible hash: invalid bytes codec length %d", maxLen))
	}
	return Codec[[]byte]{
		Size: 2 + maxLen,
		Encode: func(dst []byte, v []byte) {
			if len(v) > maxLen {
				panic(fmt.Sprintf("extendible hash: value of %d bytes exceeds codec limit %d", len(v), maxLen))
			}
			binary.LittleEndian.PutUint16(dst, uint16(len(v)))
			n := copy(dst[2:], v)
			clear(dst[2+n : 2+maxLen])
		},
		Decode: func(src []byte) []byte {
			n := int(binary.LittleEndian.Uint16(src))
			out := make([]byte, n)
			copy(out, src[2:2+n])
			return out
		},
	}
}

// StringCodec is BytesCodec for string keys.
func StringCodec(maxLen int) Codec[string] {
	inner := BytesCodec(maxLen)
	return Codec[string]{
		Size:   inner.Size,
		Encode: func(dst []byte, v string) { inner.Encode(dst, []byte(v)) },
		Decode: func(src []byte) string { return string(inner.Decode(src)) },
	}
}

// CompareBytes orders byte-string keys.
func CompareBytes(a, b []byte) int { return bytes.Compare(a, b) }

// CompareRID orders record ids by page, then slot.
func CompareRID(a, b RID) int {
	switch {
	case a.PageID != b.PageID:
		if a.PageID < b.PageID {
			return -1
		}
		return 1
	case a.SlotNum < b.SlotNum:
		return -1
	case a.SlotNum > b.SlotNum:
		return 1
	}
	return 0
}
