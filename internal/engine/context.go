package engine

import (
	"sync/atomic"

	"github.com/tpx3spectra/tpx3spectra/internal/histogram"
	"github.com/tpx3spectra/tpx3spectra/internal/pixelmap"
)

// RunContext is the explicit context object Design Note §9 calls for:
// the control-plane flags, the last-error slot, and the pixel map and
// ROI scalars the (out-of-scope) REST collaborator mutates, all
// threaded through DataHandler's and Manager's constructors instead
// of living as a process-wide singleton.
type RunContext struct {
	stop        atomic.Bool
	stopCollect atomic.Bool
	readyChips  atomic.Int32

	errSlot errSlot

	pixelMap atomic.Pointer[pixelmap.Map]
	roi      atomic.Pointer[histogram.ROI]

	saveInterval atomic.Int64 // periods per histogram file
	outputURI    atomic.Pointer[string]
}

// NewRunContext returns a RunContext with the given initial ROI and
// save interval (periods per histogram file).
func NewRunContext(roi histogram.ROI, saveInterval int64) *RunContext {
	rc := &RunContext{}
	rc.roi.Store(&roi)
	rc.saveInterval.Store(saveInterval)

	uri := ""
	rc.outputURI.Store(&uri)

	return rc
}

// Stop reports whether stop_now has been called.
func (rc *RunContext) Stop() bool { return rc.stop.Load() }

// StopNow sets the cooperative stop flag; readers and analysers drain
// through their next loop bottom rather than being forcibly
// terminated.
func (rc *RunContext) StopNow() { rc.stop.Store(true) }

// StopCollect reports whether the control plane has asked the run to
// leave the collect state.
func (rc *RunContext) StopCollect() bool { return rc.stopCollect.Load() }

// SetStopCollect sets or clears the stop_collect flag.
func (rc *RunContext) SetStopCollect(v bool) { rc.stopCollect.Store(v) }

// MarkChipReady bumps the ready counter; each analyser calls it once
// on entry, before its main loop.
func (rc *RunContext) MarkChipReady() { rc.readyChips.Add(1) }

// ReadyChips returns the number of analysers that have reported
// ready.
func (rc *RunContext) ReadyChips() int32 { return rc.readyChips.Load() }

// SetError records err as the run's last error if none has been
// recorded yet, and sets the stop flag. Per spec §7, none of the
// fatal error classes are retried inside the core, so only the first
// cause is kept.
func (rc *RunContext) SetError(err error) {
	rc.errSlot.setError(err)
	rc.StopNow()
}

// LastError returns the first error recorded via SetError, or nil.
func (rc *RunContext) LastError() error { return rc.errSlot.lastError() }

// PixelMap returns the current pixel map, which may be nil before one
// has been loaded.
func (rc *RunContext) PixelMap() *pixelmap.Map { return rc.pixelMap.Load() }

// SetPixelMap atomically swaps in a new pixel map snapshot (the
// control plane's hot-reload path).
func (rc *RunContext) SetPixelMap(m *pixelmap.Map) { rc.pixelMap.Store(m) }

// ROI returns the current region-of-interest window.
func (rc *RunContext) ROI() histogram.ROI {
	p := rc.roi.Load()
	if p == nil {
		return histogram.ROI{}
	}

	return *p
}

// SetROI atomically swaps in a new ROI window.
func (rc *RunContext) SetROI(roi histogram.ROI) { rc.roi.Store(&roi) }

// SaveInterval returns the number of periods accumulated per
// histogram file.
func (rc *RunContext) SaveInterval() int64 { return rc.saveInterval.Load() }

// SetSaveInterval updates the save interval.
func (rc *RunContext) SetSaveInterval(n int64) { rc.saveInterval.Store(n) }

// OutputURI returns the current histogram-writer destination.
func (rc *RunContext) OutputURI() string {
	p := rc.outputURI.Load()
	if p == nil {
		return ""
	}

	return *p
}

// SetOutputURI updates the histogram-writer destination.
func (rc *RunContext) SetOutputURI(uri string) { rc.outputURI.Store(&uri) }
