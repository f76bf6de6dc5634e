// Package bufferpool recycles page buffers used by the run writer so
// a long dump or compaction doesn't churn the allocator.
package bufferpool

import "sync"

const defaultBufferSize = 8192

var pool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, defaultBufferSize)
		return &b
	},
}

// GetBuffer returns an empty buffer with some reusable capacity.
func GetBuffer() []byte {
	bp := pool.Get().(*[]byte)
	return (*bp)[:0]
}

// PutBuffer returns a buffer to the pool. Oversized buffers are
// dropped to keep the pool from pinning large pages.
func PutBuffer(b []byte) {
	if cap(b) > 1<<20 {
		return
	}
	b = b[:0]
	pool.Put(&b)
}
