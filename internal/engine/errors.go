package engine

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Error kinds from spec §7. Each is a sentinel usable with errors.Is;
// concrete occurrences are wrapped with additional context via %w.
var (
	// ErrCorruptStream covers bad TPX3 magic at a chunk boundary, a
	// packet-id or chunk-header marker found inside a chunk payload,
	// a TDC fract field out of range, or an undisputed period index
	// observed at a TDC timestamp. Fatal per run.
	ErrCorruptStream = errors.New("corrupt stream")

	// ErrShortRead covers short reads, truncated chunks and socket
	// write failures. Fatal per run.
	ErrShortRead = errors.New("short read")

	// ErrConfigMismatch covers a pixel-map size mismatch against the
	// detector layout (chip count or pixel index overflow), detected
	// before entering the collect state.
	ErrConfigMismatch = errors.New("configuration mismatch")

	// ErrInvariant covers internal invariant violations (e.g. a
	// processing-byte count mismatch, or RegisterStart called twice
	// for the same disputed period) — programmer errors that
	// terminate the run rather than being retried.
	ErrInvariant = errors.New("internal invariant violation")
)

// errSlot holds the first error reported to a RunContext. Later
// reports are discarded: the fatal classes in spec §7 are not locally
// recovered, so only the first cause matters.
type errSlot struct {
	ptr atomic.Pointer[error]
}

func (s *errSlot) setError(err error) {
	if err == nil {
		return
	}

	s.ptr.CompareAndSwap(nil, &err)
}

func (s *errSlot) lastError() error {
	p := s.ptr.Load()
	if p == nil {
		return nil
	}

	return *p
}

// wrapf is a small helper for attaching context to a sentinel error
// kind without losing errors.Is compatibility.
func wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}
