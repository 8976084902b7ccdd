package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/tpx3spectra/tpx3spectra/internal/decode"
	"github.com/tpx3spectra/tpx3spectra/internal/histogram"
	"github.com/tpx3spectra/tpx3spectra/internal/iobuf"
	"github.com/tpx3spectra/tpx3spectra/internal/periodqueue"
	"github.com/tpx3spectra/tpx3spectra/internal/predictor"
)

const (
	defaultBufferCapacity = 64 * 1024
	defaultReadTimeout    = 200 * time.Millisecond
)

// errReadTimeout signals an idle receive timeout at a chunk boundary
// (zero bytes of the next header consumed) rather than a genuine
// short read. It never escapes runReader: it only drives the
// retry-until-data-or-stop_collect loop from spec §5.
var errReadTimeout = errors.New("engine: idle receive timeout")

// Options configures a DataHandler at construction.
type Options struct {
	NChips          int
	InitialPeriod   int64
	MaxPeriodQueues int // default 2, per spec §4.6
	Threshold       float64
	PacketIDWords   bool // true for server version >= 3.20
	BufferCapacity  int
	ReadTimeout     time.Duration // poll interval for stop_collect between chunks; default 200ms
	Logger          *log.Logger
}

// DataHandler orchestrates one reader goroutine (socket -> per-chip
// buffer pools) and one analyser goroutine per chip (buffer pools ->
// decoded events -> predictor/queues -> histogram manager), per
// spec §4.6.
type DataHandler struct {
	rc      *RunContext
	manager *histogram.Manager
	conn    net.Conn
	log     *log.Logger

	nChips          int
	initialPeriod   int64
	maxPeriodQueues int
	packetIDWords   bool
	bufferCapacity  int
	readTimeout     time.Duration

	pools      []*iobuf.Pool
	predictors []*predictor.Predictor
	queues     []*periodqueue.Queues
}

// NewDataHandler builds a DataHandler reading chunks from conn.
func NewDataHandler(rc *RunContext, manager *histogram.Manager, conn net.Conn, opts Options) *DataHandler {
	if opts.MaxPeriodQueues <= 0 {
		opts.MaxPeriodQueues = 2
	}
	if opts.BufferCapacity <= 0 {
		opts.BufferCapacity = defaultBufferCapacity
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}

	dh := &DataHandler{
		rc:              rc,
		manager:         manager,
		conn:            conn,
		log:             opts.Logger,
		nChips:          opts.NChips,
		initialPeriod:   opts.InitialPeriod,
		maxPeriodQueues: opts.MaxPeriodQueues,
		packetIDWords:   opts.PacketIDWords,
		bufferCapacity:  opts.BufferCapacity,
		readTimeout:     opts.ReadTimeout,
		pools:           make([]*iobuf.Pool, opts.NChips),
		predictors:      make([]*predictor.Predictor, opts.NChips),
		queues:          make([]*periodqueue.Queues, opts.NChips),
	}

	for i := 0; i < opts.NChips; i++ {
		dh.pools[i] = iobuf.NewPool(opts.BufferCapacity)
		dh.predictors[i] = predictor.New()
		dh.queues[i] = periodqueue.New(opts.Threshold)
	}

	return dh
}

// Run starts the reader and all analyser goroutines and blocks until
// they all exit, returning the first error any of them reported.
func (dh *DataHandler) Run() error {
	g := &errgroup.Group{}

	g.Go(dh.runReader)

	for chip := 0; chip < dh.nChips; chip++ {
		chip := chip
		g.Go(func() error { return dh.runAnalyser(chip) })
	}

	return g.Wait()
}

// runReader is the reader thread from spec §4.6: it reads chunk
// headers and payload off the socket and demultiplexes filled buffers
// to the per-chip pools by chip index. Per spec §5/§6, it leaves the
// collect state on stop_now, stop_collect, or socket EOF, tolerating
// idle receive timeouts between chunks by retrying.
func (dh *DataHandler) runReader() error {
	defer dh.finishAllPools()

	for {
		if dh.rc.Stop() || dh.rc.StopCollect() {
			return nil
		}

		header, err := dh.readHeaderWord()
		if err != nil {
			if errors.Is(err, errReadTimeout) {
				continue // spec §5: retry until data arrives or stop_collect is set
			}

			if err == io.EOF {
				return nil // graceful: upstream closed between chunks
			}

			wrapped := wrapf(ErrShortRead, "reading chunk header")
			dh.rc.SetError(wrapped)

			return wrapped
		}

		if !decode.IsChunkHeader(header) {
			wrapped := wrapf(ErrCorruptStream, "bad TPX3 magic at chunk boundary")
			dh.rc.SetError(wrapped)

			return wrapped
		}

		ch := decode.ParseChunkHeader(header)

		var packetID uint64
		if dh.packetIDWords {
			idWord, err := dh.readWord()
			if err != nil {
				wrapped := wrapf(ErrShortRead, "reading packet-id word: %v", err)
				dh.rc.SetError(wrapped)

				return wrapped
			}

			if !decode.MatchByte(idWord, 0x50) {
				wrapped := wrapf(ErrCorruptStream, "packet-id word missing 0x50 marker byte")
				dh.rc.SetError(wrapped)

				return wrapped
			}

			packetID = decode.ParsePacketIDWord(idWord).PacketID
		}

		if ch.ChipIndex < 0 || ch.ChipIndex >= dh.nChips {
			wrapped := wrapf(ErrCorruptStream, "chip index %d out of range", ch.ChipIndex)
			dh.rc.SetError(wrapped)

			return wrapped
		}

		if err := dh.readChunkPayload(dh.pools[ch.ChipIndex], packetID, ch.ChunkSize); err != nil {
			wrapped := wrapf(ErrShortRead, "reading chunk payload: %v", err)
			dh.rc.SetError(wrapped)

			return wrapped
		}
	}
}

func (dh *DataHandler) readChunkPayload(pool *iobuf.Pool, packetID uint64, chunkSize int) error {
	offset := 0

	for offset < chunkSize {
		buf := pool.GetEmptyBuffer()

		want := chunkSize - offset
		if want > cap(buf.Data) {
			want = cap(buf.Data)
		}

		if _, err := io.ReadFull(dh.conn, buf.Data[:want]); err != nil {
			return err
		}

		buf.ContentSize = want
		buf.ContentOffset = offset
		buf.ChunkSize = chunkSize

		pool.PutNonemptyBuffer(packetID, buf)

		offset += want
	}

	return nil
}

func (dh *DataHandler) readWord() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(dh.conn, b[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

// readHeaderWord reads the next chunk-header word under a read
// deadline, so the reader loop can re-check stop_now/stop_collect
// between chunks instead of blocking on the socket indefinitely. A
// timeout with zero bytes of the word consumed is reported as
// errReadTimeout (safe to retry); a timeout after a partial read would
// desync the word stream, so it is surfaced as an ordinary read error
// instead. Connections that don't support deadlines (e.g. test doubles)
// fall back to a plain blocking read.
func (dh *DataHandler) readHeaderWord() (uint64, error) {
	if err := dh.conn.SetReadDeadline(time.Now().Add(dh.readTimeout)); err != nil {
		return dh.readWord()
	}

	var b [8]byte

	n, err := io.ReadFull(dh.conn, b[:])

	_ = dh.conn.SetReadDeadline(time.Time{}) // clear: payload reads are not subject to the poll timeout

	if err != nil {
		if n == 0 && isTimeout(err) {
			return 0, errReadTimeout
		}

		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

func isTimeout(err error) bool {
	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

func (dh *DataHandler) finishAllPools() {
	for _, p := range dh.pools {
		p.FinishWriting()
	}
}

// runAnalyser is the per-chip analyser thread from spec §4.6.
func (dh *DataHandler) runAnalyser(chip int) error {
	dh.rc.MarkChipReady()

	pool := dh.pools[chip]
	pred := dh.predictors[chip]
	queues := dh.queues[chip]

	predictorReady := false
	firstTDC := true

	for {
		_, buf := pool.GetNonemptyBuffer()
		if buf == nil {
			dh.purgeAll(chip, queues)

			return nil
		}

		for off := 0; off+8 <= buf.ContentSize; off += 8 {
			word := binary.LittleEndian.Uint64(buf.Data[off : off+8])

			if decode.IsChunkHeader(word) {
				err := wrapf(ErrCorruptStream, "chunk-header word inside chunk payload, chip %d", chip)
				dh.rc.SetError(err)

				return err
			}

			switch {
			case decode.MatchNibble(word, 0xB):
				if !predictorReady {
					continue // predictor not ready: drop the hit silently
				}

				dh.handleHit(chip, pred, queues, word)

			case decode.MatchNibble(word, 0x6):
				tdcClock, err := decode.TDCClock(word)
				if err != nil {
					wrapped := fmt.Errorf("chip %d: %w", chip, ErrCorruptStream)
					dh.rc.SetError(wrapped)

					return wrapped
				}

				if firstTDC {
					pred.Reset(int64(tdcClock), dh.initialPeriod)
					firstTDC = false
				} else {
					pred.Update(int64(tdcClock))
				}

				if pred.Ready() {
					predictorReady = true

					if err := dh.handleTDC(chip, pred, queues, int64(tdcClock)); err != nil {
						dh.rc.SetError(err)

						return err
					}
				}

			case decode.MatchByte(word, 0x50):
				err := wrapf(ErrCorruptStream, "packet-id word inside chunk payload, chip %d", chip)
				dh.rc.SetError(err)

				return err

			default:
				dh.log.Debug("unknown word kind, skipping", "chip", chip, "word", word)
			}
		}

		pool.PutEmptyBuffer(buf)
	}
}

func (dh *DataHandler) handleHit(chip int, pred *predictor.Predictor, queues *periodqueue.Queues, word uint64) {
	toa := decode.TOAClock(word)
	periodF := pred.PeriodPrediction(toa)
	idx := queues.PeriodIndexFor(periodF)
	idx = queues.RefinedIndex(idx, toa)

	if !idx.Disputed {
		dh.processEvent(chip, queues, idx.Period, toa, word)

		return
	}

	queues.Defer(idx.DisputedPeriod, toa, word)
}

func (dh *DataHandler) handleTDC(chip int, pred *predictor.Predictor, queues *periodqueue.Queues, tdcClock int64) error {
	periodF := pred.PeriodPrediction(tdcClock)
	idx := queues.PeriodIndexFor(periodF)

	if !idx.Disputed {
		return wrapf(ErrCorruptStream, "TDC at an undisputed period index, chip %d", chip)
	}

	if !pred.Ok(tdcClock) {
		pred.StartUpdate(tdcClock)
	}

	rq, err := queues.RegisterStart(idx, tdcClock)
	if err != nil {
		return wrapf(ErrInvariant, "%v", err)
	}

	for !rq.Empty() {
		item := rq.Pop()

		period := idx.Period
		if item.TOA >= tdcClock {
			period = idx.DisputedPeriod
		}

		dh.processEvent(chip, queues, period, item.TOA, item.Event)
	}

	dh.shrinkPeriodQueues(chip, queues)

	return nil
}

func (dh *DataHandler) shrinkPeriodQueues(chip int, queues *periodqueue.Queues) {
	for queues.Size() > dh.maxPeriodQueues {
		oldest, ok := queues.Oldest()
		if !ok {
			return
		}

		queues.Erase(oldest)
		dh.manager.PurgePeriod(chip, oldest)
	}
}

func (dh *DataHandler) processEvent(chip int, queues *periodqueue.Queues, period int64, toaAbs int64, event uint64) {
	start, ok := queues.Start(period)
	if !ok {
		start = 0
	}

	toaRel := toaAbs - start

	dh.manager.ProcessEvent(chip, period, toaRel, event)
}

// purgeAll drains every remaining live period queue for chip on
// shutdown, then forces a final purge of the manager's MaxPeriod
// sentinel so any still-filling histogram row is flushed.
func (dh *DataHandler) purgeAll(chip int, queues *periodqueue.Queues) {
	for !queues.Empty() {
		oldest, ok := queues.Oldest()
		if !ok {
			break
		}

		queues.Erase(oldest)
		dh.manager.PurgePeriod(chip, oldest)
	}

	dh.manager.PurgePeriod(chip, histogram.MaxPeriod)
}
