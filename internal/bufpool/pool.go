// Package bufpool provides page-aligned, size-bucketed byte slices for
// user-pointer frame buffers.
package bufpool

import (
	"math/bits"
	"sync"
	"unsafe"

	"github.com/ehrlich-b/go-v4l2/internal/constants"
)

// Buckets are powers of two from 64KB to 64MB. A 4K RGB24 frame is ~24MB.
const (
	minShift = 16
	maxShift = 26
)

// pools[i] holds *[]byte of capacity 1<<(minShift+i).
// Uses pointer-to-slice pattern to avoid sync.Pool interface allocation.
var pools [maxShift - minShift + 1]sync.Pool

func init() {
	for i := range pools {
		size := 1 << (minShift + i)
		pools[i].New = func() any {
			b := alignedAlloc(size)
			return &b
		}
	}
}

// alignedAlloc returns a zeroed slice of length size whose first byte is
// page aligned. Drivers reject user pointers that are not.
func alignedAlloc(size int) []byte {
	raw := make([]byte, size+constants.PageSize)
	off := int(uintptr(unsafe.Pointer(&raw[0])) & (constants.PageSize - 1))
	if off != 0 {
		off = constants.PageSize - off
	}
	return raw[off : off+size : off+size]
}

func bucket(size int) (int, bool) {
	shift := minShift
	if size > 1<<minShift {
		shift = bits.Len(uint(size - 1))
	}
	if shift > maxShift {
		return 0, false
	}
	return shift - minShift, true
}

// Get returns a page-aligned buffer of length size. Sizes above the largest
// bucket are allocated directly and are not pooled on Put.
// Caller must call Put when done.
func Get(size int) []byte {
	i, ok := bucket(size)
	if !ok {
		return alignedAlloc(size)
	}
	return (*pools[i].Get().(*[]byte))[:size]
}

// Put returns a buffer to the pool. The buffer's capacity determines which
// bucket it goes to; buffers with a non-bucket capacity are dropped.
func Put(buf []byte) {
	c := cap(buf)
	if c == 0 || c&(c-1) != 0 {
		return
	}
	i, ok := bucket(c)
	if !ok || 1<<(minShift+i) != c {
		return
	}
	buf = buf[:c]
	pools[i].Put(&buf)
}
