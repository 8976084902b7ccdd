package histogram_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpx3spectra/tpx3spectra/internal/histogram"
	"github.com/tpx3spectra/tpx3spectra/internal/pixelmap"
)

type recordingWriter struct {
	mu      sync.Mutex
	started string
	writes  []int64
	stopped string
}

func (w *recordingWriter) Start(detector string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = detector

	return nil
}

func (w *recordingWriter) Write(_ *histogram.TDSpectra, period int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, period)

	return nil
}

func (w *recordingWriter) Stop(errorMessage string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = errorMessage

	return nil
}

func (w *recordingWriter) Dest() string { return "memory" }

func (w *recordingWriter) snapshot() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]int64(nil), w.writes...)
}

func newTestManager(writer histogram.Writer) *histogram.Manager {
	return histogram.New(histogram.Options{
		NChips:    2,
		NPeriods:  2,
		TBins:     4,
		EnergyPts: 2,
		Writer:    writer,
		Detector:  "test",
		PixelMap:  func() *pixelmap.Map { return nil },
		ROI:       func() histogram.ROI { return histogram.ROI{Start: 0, Step: 1, N: 4} },
	})
}

func TestDataForPeriodClaimsAndCaches(t *testing.T) {
	m := newTestManager(&recordingWriter{})

	s1 := m.DataForPeriod(0, 100)
	s2 := m.DataForPeriod(0, 100)
	assert.Same(t, s1, s2, "repeated lookup for the same (thread, period) hits the cache")

	s3 := m.DataForPeriod(1, 100)
	assert.NotSame(t, s1, s3, "different threads get distinct per-thread histograms")
}

func TestPurgePeriodEnqueuesOnlyWhenAllChipsReturned(t *testing.T) {
	w := &recordingWriter{}
	m := newTestManager(w)

	go func() {
		_ = m.RunWriter()
	}()

	m.DataForPeriod(0, 7)
	m.DataForPeriod(1, 7)

	m.PurgePeriod(0, 7)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, w.snapshot(), "writer must not see period 7 until both chips have returned it")

	m.PurgePeriod(1, 7)

	require.Eventually(t, func() bool {
		return len(w.snapshot()) == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, []int64{7}, w.snapshot())

	m.Stop()
}

func TestStopDrainsQueueThenReturns(t *testing.T) {
	w := &recordingWriter{}
	m := newTestManager(w)

	done := make(chan error, 1)
	go func() {
		done <- m.RunWriter()
	}()

	m.DataForPeriod(0, 1)
	m.DataForPeriod(1, 1)
	m.PurgePeriod(0, 1)
	m.PurgePeriod(1, 1)

	m.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunWriter did not return after Stop")
	}

	assert.Equal(t, []int64{1}, w.snapshot())
}

func TestSlotIsReusedAfterWrite(t *testing.T) {
	w := &recordingWriter{}
	m := newTestManager(w)

	go func() { _ = m.RunWriter() }()

	// Fill both of the manager's two slots (period 1 and period 2).
	m.DataForPeriod(0, 1)
	m.DataForPeriod(1, 1)
	m.DataForPeriod(0, 2)
	m.DataForPeriod(1, 2)

	// Complete and free period 1's slot.
	m.PurgePeriod(0, 1)
	m.PurgePeriod(1, 1)

	require.Eventually(t, func() bool { return len(w.snapshot()) == 1 }, time.Second, time.Millisecond)

	// A third period must now be claimable by reusing the slot the
	// writer just freed, without blocking.
	done := make(chan struct{})
	go func() {
		m.DataForPeriod(0, 3)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("DataForPeriod blocked despite a slot having been freed by the writer")
	}

	m.Stop()
}
