package util

import "sync"

// FrameBufSize holds the largest frame read from a data-plane port,
// jumbo frames included.
const FrameBufSize = 16 * 1024

// FramePool provides reusable receive buffers for the per-port packet
// loops, reducing GC pressure on the inbound path.
var FramePool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, FrameBufSize)
		return &buf
	},
}

// GetFrame retrieves a buffer from the pool.  Callers must return it
// with [PutFrame] when finished.
func GetFrame() *[]byte {
	return FramePool.Get().(*[]byte)
}

// PutFrame returns a buffer to the pool for reuse.
func PutFrame(buf *[]byte) {
	if buf == nil {
		return
	}
	FramePool.Put(buf)
}
