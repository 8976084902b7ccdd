package iobuf

import "sort"

// Buffer is an aligned byte array of fixed capacity carrying a piece
// of one chunk's payload, per spec §3.
type Buffer struct {
	Data          []byte
	ContentSize   int // bytes valid in Data
	ContentOffset int // where in the chunk this piece begins
	ChunkSize     int // the chunk this buffer belongs to
}

type filledItem struct {
	PacketID uint64
	Buf      *Buffer
}

// Pool is a per-chip bounded pool of fixed-size buffers: a free-list
// LIFO and a filled side ordered by packet_id (stream order), per
// spec §4.5. It is shared by exactly one producer (reader) and one
// consumer (analyser); both sides are guarded by independent
// SpinLocks so the producer never contends with the consumer's free
// or filled traffic on the other list.
type Pool struct {
	bufferCapacity int

	freeLock SpinLock
	free     []*Buffer

	filledLock SpinLock
	filled     []filledItem
	noMoreData bool
}

// NewPool returns an empty pool whose freshly allocated buffers have
// the given capacity in bytes.
func NewPool(bufferCapacity int) *Pool {
	return &Pool{bufferCapacity: bufferCapacity}
}

// GetEmptyBuffer pops a buffer from the free-list, allocating a fresh
// one if the free-list is empty. The returned buffer always has
// ContentSize reset to 0.
func (p *Pool) GetEmptyBuffer() *Buffer {
	p.freeLock.Lock()
	var buf *Buffer
	if n := len(p.free); n > 0 {
		buf = p.free[n-1]
		p.free = p.free[:n-1]
	}
	p.freeLock.Unlock()

	if buf == nil {
		buf = &Buffer{Data: make([]byte, p.bufferCapacity)}
	}

	buf.ContentSize = 0

	return buf
}

// PutEmptyBuffer returns a drained buffer to the free-list.
func (p *Pool) PutEmptyBuffer(buf *Buffer) {
	p.freeLock.Lock()
	p.free = append(p.free, buf)
	p.freeLock.Unlock()
}

// PutNonemptyBuffer inserts a filled buffer under its stream-order
// packet_id, after any buffers already held under the same id.
func (p *Pool) PutNonemptyBuffer(packetID uint64, buf *Buffer) {
	p.filledLock.Lock()
	i := sort.Search(len(p.filled), func(i int) bool { return p.filled[i].PacketID > packetID })
	p.filled = append(p.filled, filledItem{})
	copy(p.filled[i+1:], p.filled[i:])
	p.filled[i] = filledItem{PacketID: packetID, Buf: buf}
	p.filledLock.Unlock()
}

// GetNonemptyBuffer extracts the lowest-packet_id filled buffer. If
// the filled side is empty and FinishWriting has been called, it
// returns (0, nil) immediately. Otherwise it spin-retries using the
// escalating backoff discipline (no condition variable: jitter below
// a few microseconds matters here and producer/consumer are assumed
// pinned to distinct cores).
func (p *Pool) GetNonemptyBuffer() (uint64, *Buffer) {
	var bo Backoff

	for {
		p.filledLock.Lock()
		if len(p.filled) > 0 {
			item := p.filled[0]
			p.filled = p.filled[1:]
			p.filledLock.Unlock()

			return item.PacketID, item.Buf
		}
		done := p.noMoreData
		p.filledLock.Unlock()

		if done {
			return 0, nil
		}

		bo.Wait()
	}
}

// FinishWriting marks the pool as drained: the next time the filled
// side empties, GetNonemptyBuffer returns (0, nil) instead of
// spin-retrying forever.
func (p *Pool) FinishWriting() {
	p.filledLock.Lock()
	p.noMoreData = true
	p.filledLock.Unlock()
}
