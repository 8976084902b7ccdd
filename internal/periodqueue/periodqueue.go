// Package periodqueue implements the per-chip ordered map of recent
// period-boundary state: period-index resolution for a fractional
// period prediction, refinement of disputed indices once a TDC start
// timestamp is known, and the deferred-event reorder queues held at
// each live boundary.
package periodqueue

import (
	"math"
	"sort"

	"github.com/tpx3spectra/tpx3spectra/internal/reorder"
)

// DefaultThreshold is the default width (on each side of an integer
// period boundary) of the disputed zone, per spec §4.4.
const DefaultThreshold = 0.1

// Index identifies which period a timestamp belongs to, possibly
// still ambiguous between two adjacent periods.
type Index struct {
	Period         int64
	DisputedPeriod int64
	Disputed       bool
}

// element holds the state for one known recent period boundary. The
// invariant "never both" from spec §3 is enforced by construction:
// Queue is non-nil exactly when StartSeen is false.
type element struct {
	Queue     *reorder.Queue
	Start     int64
	StartSeen bool
}

// Queues is the per-chip ordered map from period to element, plus the
// disputed-zone threshold.
type Queues struct {
	threshold float64
	periods   map[int64]*element
	order     []int64 // kept sorted ascending; acts as the ordered-map's key order
}

// New returns an empty Queues with the given disputed-zone threshold,
// which must lie in (0, 0.5).
func New(threshold float64) *Queues {
	if threshold <= 0 || threshold >= 0.5 {
		threshold = DefaultThreshold
	}

	return &Queues{
		threshold: threshold,
		periods:   make(map[int64]*element),
	}
}

// PeriodIndexFor resolves a fractional period prediction into an
// Index, per spec §4.4: a window of width 2*threshold straddling each
// integer boundary is disputed and attributed to the neighbouring
// pair.
func (q *Queues) PeriodIndexFor(p float64) Index {
	base := int64(math.Floor(p))
	frac := p - math.Floor(p)

	switch {
	case frac > 1-q.threshold:
		return Index{Period: base, DisputedPeriod: base + 1, Disputed: true}
	case frac < q.threshold:
		return Index{Period: base - 1, DisputedPeriod: base, Disputed: true}
	default:
		return Index{Period: base, DisputedPeriod: base, Disputed: false}
	}
}

// RefinedIndex resolves a disputed Index once the upper neighbour's
// start timestamp is known, deciding which of the two candidate
// periods ts actually belongs to. It mutates both Period and
// DisputedPeriod (the "new" semantics per spec §9's Design Note,
// adopted over the older Period-only variant because it is the one
// internally consistent with process_tdc's pop-draining rule).
func (q *Queues) RefinedIndex(idx Index, ts int64) Index {
	if !idx.Disputed {
		return idx
	}

	el, ok := q.periods[idx.DisputedPeriod]
	if !ok || !el.StartSeen {
		return idx
	}

	if ts < el.Start {
		idx.DisputedPeriod = idx.Period
	} else {
		idx.Period = idx.DisputedPeriod
	}

	idx.Disputed = false

	return idx
}

// RegisterStart records the observed start timestamp for idx's upper
// neighbour (idx.DisputedPeriod) and returns its (now-draining)
// reorder queue. idx must be disputed. It is a programmer error
// (invariant violation, spec §7 kind 5) to call this twice for the
// same disputed period without an intervening Erase.
func (q *Queues) RegisterStart(idx Index, startTS int64) (*reorder.Queue, error) {
	if !idx.Disputed {
		return nil, errInvariant("RegisterStart called with a non-disputed index")
	}

	el := q.getOrCreate(idx.DisputedPeriod)

	if el.StartSeen {
		return nil, errInvariant("RegisterStart called twice for the same period")
	}

	rq := el.Queue
	if rq == nil {
		rq = reorder.New()
	}

	el.Queue = nil
	el.Start = startTS
	el.StartSeen = true

	return rq, nil
}

// Defer enqueues a still-disputed hit into the reorder queue kept at
// the given (as-yet-unresolved) period, creating the element if
// necessary.
func (q *Queues) Defer(period int64, toa int64, event uint64) {
	el := q.getOrCreate(period)
	if el.Queue == nil {
		el.Queue = reorder.New()
	}
	el.Queue.Push(toa, event)
}

// Start returns the registered start timestamp for period and whether
// it has been observed yet.
func (q *Queues) Start(period int64) (int64, bool) {
	el, ok := q.periods[period]
	if !ok || !el.StartSeen {
		return 0, false
	}

	return el.Start, true
}

func (q *Queues) getOrCreate(period int64) *element {
	el, ok := q.periods[period]
	if ok {
		return el
	}

	el = &element{}
	q.periods[period] = el
	q.insertOrder(period)

	return el
}

func (q *Queues) insertOrder(period int64) {
	i := sort.Search(len(q.order), func(i int) bool { return q.order[i] >= period })
	q.order = append(q.order, 0)
	copy(q.order[i+1:], q.order[i:])
	q.order[i] = period
}

// Oldest returns the lowest-numbered live period and whether any
// exist.
func (q *Queues) Oldest() (int64, bool) {
	if len(q.order) == 0 {
		return 0, false
	}

	return q.order[0], true
}

// Erase removes the state held for period.
func (q *Queues) Erase(period int64) {
	if _, ok := q.periods[period]; !ok {
		return
	}

	delete(q.periods, period)

	i := sort.Search(len(q.order), func(i int) bool { return q.order[i] >= period })
	if i < len(q.order) && q.order[i] == period {
		q.order = append(q.order[:i], q.order[i+1:]...)
	}
}

// Size returns the number of live period entries.
func (q *Queues) Size() int {
	return len(q.order)
}

// Empty reports whether no live period entries remain.
func (q *Queues) Empty() bool {
	return len(q.order) == 0
}

// InvariantError marks an internal-invariant violation (spec §7 kind
// 5): a programmer error that should terminate the run rather than be
// retried.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return e.Msg }

func errInvariant(msg string) error { return &InvariantError{Msg: msg} }
