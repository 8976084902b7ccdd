package iobuf_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpx3spectra/tpx3spectra/internal/iobuf"
)

func TestGetEmptyBufferAllocatesWhenFreeListEmpty(t *testing.T) {
	p := iobuf.NewPool(64)

	buf := p.GetEmptyBuffer()
	require.NotNil(t, buf)
	assert.Equal(t, 64, len(buf.Data))
	assert.Equal(t, 0, buf.ContentSize)
}

func TestFreeListIsLIFO(t *testing.T) {
	p := iobuf.NewPool(8)

	a := p.GetEmptyBuffer()
	b := p.GetEmptyBuffer()

	p.PutEmptyBuffer(a)
	p.PutEmptyBuffer(b)

	got := p.GetEmptyBuffer()
	assert.Same(t, b, got)
}

func TestNonemptySideOrdersByPacketID(t *testing.T) {
	p := iobuf.NewPool(8)

	buf1 := &iobuf.Buffer{}
	buf2 := &iobuf.Buffer{}

	p.PutNonemptyBuffer(1, buf1)
	p.PutNonemptyBuffer(2, buf2)

	id, got := p.GetNonemptyBuffer()
	assert.Equal(t, uint64(1), id)
	assert.Same(t, buf1, got)

	id, got = p.GetNonemptyBuffer()
	assert.Equal(t, uint64(2), id)
	assert.Same(t, buf2, got)
}

func TestFinishWritingUnblocksConsumer(t *testing.T) {
	p := iobuf.NewPool(8)

	var wg sync.WaitGroup
	wg.Add(1)

	var gotBuf *iobuf.Buffer
	var gotID uint64

	go func() {
		defer wg.Done()
		gotID, gotBuf = p.GetNonemptyBuffer()
	}()

	time.Sleep(5 * time.Millisecond)
	p.FinishWriting()

	wg.Wait()

	assert.Nil(t, gotBuf)
	assert.Equal(t, uint64(0), gotID)
}

func TestGetNonemptyBufferBlocksUntilProduced(t *testing.T) {
	p := iobuf.NewPool(8)
	buf := &iobuf.Buffer{}

	done := make(chan struct{})

	var gotID uint64
	var gotBuf *iobuf.Buffer

	go func() {
		gotID, gotBuf = p.GetNonemptyBuffer()
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	p.PutNonemptyBuffer(7, buf)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("GetNonemptyBuffer did not unblock after PutNonemptyBuffer")
	}

	assert.Equal(t, uint64(7), gotID)
	assert.Same(t, buf, gotBuf)
}
