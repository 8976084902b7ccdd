package histogram

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tpx3spectra/tpx3spectra/internal/decode"
	"github.com/tpx3spectra/tpx3spectra/internal/pixelmap"
)

// UndefinedPeriod marks a free slot. MaxPeriod is the sentinel used to
// force purging of all remaining period state on shutdown, per spec §3.
const (
	UndefinedPeriod int64 = math.MinInt64
	MaxPeriod       int64 = math.MaxInt64
)

// ROI describes the region-of-interest window translating a relative
// TOA into a time bin: t_bin = (toa_rel - Start) / Step.
type ROI struct {
	Start int64
	Step  int64
	N     int // number of time bins
}

// Writer is the external histogram-writer collaborator from spec §6.
type Writer interface {
	Start(detector string) error
	Write(spectra *TDSpectra, period int64) error
	Stop(errorMessage string) error
	Dest() string
}

// cacheEntry is a per-thread last-period cache padded to a cache line
// to prevent false sharing between analyser goroutines, per spec §9.
type cacheEntry struct {
	period int64
	slot   *slot
	_      [48]byte // pad struct to 64 bytes (two int64/pointer fields = 16 bytes)
}

type slot struct {
	period     atomic.Int64
	readyCount atomic.Int32
	perThread  []*TDSpectra
}

// Manager is the multi-producer/single-consumer period data manager
// from spec §4.7: a fixed-size ring of period slots, one per-thread
// TDSpectra each, a per-thread one-entry cache, and a writer goroutine
// that drains completed slots.
type Manager struct {
	nChips int
	slots  []*slot
	caches []cacheEntry

	pixelMap func() *pixelmap.Map
	roi      func() ROI

	writer   Writer
	detector string

	writerMu    sync.Mutex
	writerCond  *sync.Cond
	writerQueue []*slot
	stopped     bool

	slotWaitSleep time.Duration
}

// Options configures a Manager at construction.
type Options struct {
	NChips    int
	NPeriods  int // number of live period slots held in the ring
	TBins     int
	EnergyPts int
	Writer    Writer
	Detector  string
	PixelMap  func() *pixelmap.Map
	ROI       func() ROI
}

// New builds a Manager with NPeriods slots, each holding NChips
// per-thread TDSpectra of shape (TBins, EnergyPts).
func New(opts Options) *Manager {
	m := &Manager{
		nChips:        opts.NChips,
		slots:         make([]*slot, opts.NPeriods),
		caches:        make([]cacheEntry, opts.NChips),
		pixelMap:      opts.PixelMap,
		roi:           opts.ROI,
		writer:        opts.Writer,
		detector:      opts.Detector,
		slotWaitSleep: time.Microsecond * 50,
	}

	for i := range m.slots {
		s := &slot{perThread: make([]*TDSpectra, opts.NChips)}
		s.period.Store(UndefinedPeriod)

		for c := range s.perThread {
			s.perThread[c] = New(opts.TBins, opts.EnergyPts)
		}

		m.slots[i] = s
	}

	for i := range m.caches {
		m.caches[i].period = UndefinedPeriod
	}

	m.writerCond = sync.NewCond(&m.writerMu)

	return m
}

// DataForPeriod returns the per-thread TDSpectra for (thread, period),
// claiming a free slot if none is yet assigned to period. It blocks
// (briefly sleeping and retrying) if every slot is in use — back-
// pressure exhaustion is not an error per spec §7 kind 4, but
// persistent blocking here is a misconfiguration signal (too few
// slots for the write throughput).
func (m *Manager) DataForPeriod(thread int, period int64) *TDSpectra {
	if m.caches[thread].period == period && m.caches[thread].slot != nil {
		return m.caches[thread].slot.perThread[thread]
	}

	for {
		var free *slot

		for _, s := range m.slots {
			p := s.period.Load()
			if p == period {
				m.caches[thread] = cacheEntry{period: period, slot: s}

				return s.perThread[thread]
			}

			if free == nil && p == UndefinedPeriod {
				free = s
			}
		}

		if free == nil {
			time.Sleep(m.slotWaitSleep)

			continue
		}

		if free.period.CompareAndSwap(UndefinedPeriod, period) {
			m.caches[thread] = cacheEntry{period: period, slot: free}

			return free.perThread[thread]
		}
		// Lost the claim race; rescan.
	}
}

// ProcessEvent locates the hit's pixel via the decoder, translates it
// through the pixel-map collaborator into zero or more energy-point
// contributions, computes its time bin, and increments the owning
// per-thread histogram. This is the only place a per-thread histogram
// is mutated, so no locking is required (spec §4.7).
func (m *Manager) ProcessEvent(chip int, period int64, toaRel int64, event uint64) {
	spectra := m.DataForPeriod(chip, period)

	roi := m.roi()
	tBin := int((toaRel - roi.Start) / roi.Step)

	if tBin < 0 {
		spectra.BeforeROI++

		return
	}
	if tBin >= roi.N {
		spectra.AfterROI++

		return
	}

	pm := m.pixelMap()
	if pm == nil {
		return
	}

	x, y := decode.XY(event)
	flatPixel := y*256 + x

	for _, c := range pm.Lookup(chip, flatPixel) {
		// TDSpectra counts are integers (spec §3); a fractional pixel-
		// map weight is a charge-sharing fraction, rounded to the
		// nearest integer count rather than truncated towards zero.
		spectra.Add(tBin, c.EnergyPoint, uint64(math.Round(c.Weight)))
	}
}

// PurgePeriod is return_data(chip, period): the chip's analyser calls
// this when period leaves its live window. It clears the thread's
// cache entry, finds the slot for period, and atomically increments
// its ready count; once every chip has returned, the slot is enqueued
// for the writer. Safe to call multiple times for the same (chip,
// period) pair is NOT guaranteed by this method alone — spec's
// idempotence property applies at the DataHandler level, which must
// not call PurgePeriod twice for a period it has already erased.
func (m *Manager) PurgePeriod(chip int, period int64) {
	if m.caches[chip].period == period {
		m.caches[chip] = cacheEntry{period: UndefinedPeriod}
	}

	for _, s := range m.slots {
		if s.period.Load() != period {
			continue
		}

		if s.readyCount.Add(1) == int32(m.nChips) {
			m.enqueueForWriter(s)
		}

		return
	}
}

func (m *Manager) enqueueForWriter(s *slot) {
	m.writerMu.Lock()
	m.writerQueue = append(m.writerQueue, s)
	m.writerMu.Unlock()
	m.writerCond.Signal()
}

// RunWriter blocks on the writer queue's condition variable and, for
// each popped slot, combines its per-thread histograms and delegates
// to the Writer collaborator, then resets the slot for reuse. It
// returns when Stop has been called and the queue has drained.
func (m *Manager) RunWriter() error {
	if err := m.writer.Start(m.detector); err != nil {
		return err
	}

	for {
		m.writerMu.Lock()
		for len(m.writerQueue) == 0 && !m.stopped {
			m.writerCond.Wait()
		}

		if len(m.writerQueue) == 0 && m.stopped {
			m.writerMu.Unlock()

			return m.writer.Stop("")
		}

		s := m.writerQueue[0]
		m.writerQueue = m.writerQueue[1:]
		m.writerMu.Unlock()

		combined := s.perThread[0]
		for _, other := range s.perThread[1:] {
			combined.Combine(other)
		}

		period := s.period.Load()
		if err := m.writer.Write(combined, period); err != nil {
			_ = m.writer.Stop(err.Error())

			return err
		}

		for _, spectra := range s.perThread {
			spectra.Reset()
		}
		s.readyCount.Store(0)
		s.period.Store(UndefinedPeriod)
	}
}

// Stop signals the writer goroutine to drain and exit once the queue
// empties.
func (m *Manager) Stop() {
	m.writerMu.Lock()
	m.stopped = true
	m.writerMu.Unlock()
	m.writerCond.Broadcast()
}
