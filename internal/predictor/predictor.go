// Package predictor implements the per-chip period predictor: a ring
// of recent TDC timestamps used to estimate the instantaneous period
// length via a median filter, and a monotonic period number for any
// timestamp.
package predictor

import "sort"

// ringSize is the number of recent TDC timestamps the predictor keeps;
// the period length is derived from the median of the 3 adjacent
// differences between them.
const ringSize = 4

// readyAfter is the number of TDC updates (including the initial
// Reset) required before predictions are considered reliable.
const readyAfter = 3

// maxExtrapolationPeriods bounds how far Ok will extrapolate past the
// reference start without demanding recalibration.
const maxExtrapolationPeriods = 100

// Predictor tracks one chip's period length and period numbering.
type Predictor struct {
	ring       [ringSize]int64
	updates    int // number of TDCs folded in since Reset, including Reset itself
	start      int64
	interval   float64
	correction int64
}

// New returns a zero-value Predictor; call Reset with the first
// observed TDC before using it.
func New() *Predictor {
	return &Predictor{}
}

// Reset initialises the predictor from the first observed TDC
// timestamp and an assumed initial period length (in clock ticks).
func (p *Predictor) Reset(start int64, period int64) {
	for i := 0; i < ringSize; i++ {
		p.ring[ringSize-1-i] = start - int64(i)*period
	}

	p.updates = 1
	p.start = start
	p.interval = float64(period)
	p.correction = 0
}

// Update folds in a newly observed TDC timestamp, sliding the ring and
// recomputing Interval as the median of the ring's adjacent
// differences.
func (p *Predictor) Update(ts int64) {
	for i := 0; i < ringSize-1; i++ {
		p.ring[i] = p.ring[i+1]
	}
	p.ring[ringSize-1] = ts

	p.updates++

	diffs := make([]int64, 0, ringSize-1)
	for i := 0; i < ringSize-1; i++ {
		diffs = append(diffs, p.ring[i+1]-p.ring[i])
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i] < diffs[j] })

	// Median of N-1=3 values is the element at index (N-1)/2 = 1: this
	// rejects a single dropped or glitched TDC pulse.
	p.interval = float64(diffs[(ringSize-1)/2])
}

// Ready reports whether enough TDCs have been observed for
// predictions to be trusted.
func (p *Predictor) Ready() bool {
	return p.updates >= readyAfter
}

// Interval returns the current period-length estimate, in clock ticks.
func (p *Predictor) Interval() float64 {
	return p.interval
}

// PeriodPrediction returns the (fractional) period number for ts.
func (p *Predictor) PeriodPrediction(ts int64) float64 {
	return float64(ts-p.start)/p.interval + float64(p.correction)
}

// StartUpdate rebases the reference start timestamp, adjusting
// correction so PeriodPrediction stays continuous across the rebase.
func (p *Predictor) StartUpdate(newStart int64) {
	delta := float64(newStart-p.start) / p.interval
	p.correction += int64(roundHalfAwayFromZero(delta))
	p.start = newStart
}

// Ok reports whether ts is close enough to the reference start that
// PeriodPrediction is trustworthy without recalibration.
func (p *Predictor) Ok(ts int64) bool {
	return float64(ts-p.start)/p.interval < maxExtrapolationPeriods
}

func roundHalfAwayFromZero(x float64) float64 {
	if x >= 0 {
		return float64(int64(x + 0.5))
	}

	return float64(int64(x - 0.5))
}
