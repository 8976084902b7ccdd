// Package histogram implements the TDSpectra dense histogram and the
// multi-producer/single-consumer period slot manager that assembles
// per-thread partial histograms into completed per-period histograms.
package histogram

// TDSpectra is a dense integer array over (time-bin, energy-point),
// per spec §3. It is deliberately a flat slice, not a 2D slice of
// slices, so accumulation stays one cache-friendly indexed write and
// the backing array can be aligned for vectorised accumulation (spec
// §9's memory-alignment note).
type TDSpectra struct {
	TBins     int
	EnergyPts int
	Counts    []uint64
	BeforeROI uint64
	AfterROI  uint64
}

// New allocates a zeroed TDSpectra of the given shape.
func New(tBins, energyPts int) *TDSpectra {
	return &TDSpectra{
		TBins:     tBins,
		EnergyPts: energyPts,
		Counts:    make([]uint64, tBins*energyPts),
	}
}

// Index returns the flat array index for (tBin, energyPt).
func (s *TDSpectra) Index(tBin, energyPt int) int {
	return tBin*s.EnergyPts + energyPt
}

// Add increments the count at (tBin, energyPt) by weight. Only one
// goroutine (the owning analyser's hot path) ever calls Add on a
// given per-thread TDSpectra, so no locking is required here — this
// is the only place a per-thread histogram is mutated, per spec §4.7.
func (s *TDSpectra) Add(tBin, energyPt int, weight uint64) {
	s.Counts[s.Index(tBin, energyPt)] += weight
}

// InROI reports whether tBin lies within [0, TBins).
func (s *TDSpectra) InROI(tBin int) bool {
	return tBin >= 0 && tBin < s.TBins
}

// Reset zeroes all counts and the out-of-ROI tallies, for reuse after
// a slot is written and returned to the free pool.
func (s *TDSpectra) Reset() {
	for i := range s.Counts {
		s.Counts[i] = 0
	}
	s.BeforeROI = 0
	s.AfterROI = 0
}

// Combine element-wise sums other into s (the writer thread's
// aggregation step across all chips' per-thread histograms).
func (s *TDSpectra) Combine(other *TDSpectra) {
	for i, v := range other.Counts {
		s.Counts[i] += v
	}
	s.BeforeROI += other.BeforeROI
	s.AfterROI += other.AfterROI
}
