// Package histwriter provides a file-based implementation of
// histogram.Writer: one CSV file per batch of completed periods, named
// from a strftime pattern the way the daily log files are named.
package histwriter

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"

	"github.com/tpx3spectra/tpx3spectra/internal/histogram"
)

// strftimeFormat is swappable in tests.
var strftimeFormat = strftime.Format

// FileWriter accumulates completed TDSpectra into CSV files under Dir,
// opening a new file every SaveInterval periods and keeping it open
// across writes rather than reopening per period.
type FileWriter struct {
	Dir          string
	Pattern      string // strftime pattern, default "tpx3-%Y%m%dT%H%M%S"
	SaveInterval int64
	Now          func() time.Time // overridable for tests
	Logger       *log.Logger

	detector     string
	f            *os.File
	w            *csv.Writer
	periodsInRun int64
}

var _ histogram.Writer = (*FileWriter)(nil)

const defaultPattern = "tpx3-%Y%m%dT%H%M%S"

// Start opens the directory (creating it if necessary) and prepares
// the writer for a run against detector.
func (w *FileWriter) Start(detector string) error {
	if w.Pattern == "" {
		w.Pattern = defaultPattern
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	if w.Logger == nil {
		w.Logger = log.New(os.Stderr)
	}

	w.detector = detector

	if w.Dir == "" {
		w.Dir = "."
	}

	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return fmt.Errorf("creating histogram output directory %q: %w", w.Dir, err)
	}

	w.Logger.Info("histogram writer starting", "detector", detector, "dir", w.Dir)

	return nil
}

// Write appends spectra for period to the currently open file,
// rolling over to a new file every SaveInterval periods.
func (w *FileWriter) Write(spectra *histogram.TDSpectra, period int64) error {
	if w.f == nil || w.periodsInRun >= w.saveInterval() {
		if err := w.rollover(period); err != nil {
			return err
		}
	}

	if err := w.writeRow(spectra, period); err != nil {
		return err
	}

	w.periodsInRun++

	return nil
}

func (w *FileWriter) saveInterval() int64 {
	if w.SaveInterval <= 0 {
		return 1
	}

	return w.SaveInterval
}

func (w *FileWriter) rollover(period int64) error {
	if err := w.closeCurrent(); err != nil {
		return err
	}

	formattedTime, err := strftimeFormat(w.Pattern, w.Now())
	if err != nil {
		return fmt.Errorf("formatting strftime pattern %q: %w", w.Pattern, err)
	}

	name := formattedTime + fmt.Sprintf("-p%d.csv", period)
	path := filepath.Join(w.Dir, name)

	f, err := os.Create(path) //nolint:gosec
	if err != nil {
		return fmt.Errorf("creating histogram file %q: %w", path, err)
	}

	w.f = f
	w.w = csv.NewWriter(f)
	w.periodsInRun = 0

	if err := w.w.Write([]string{"period", "t_bin", "energy_point", "count"}); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	return nil
}

func (w *FileWriter) writeRow(spectra *histogram.TDSpectra, period int64) error {
	periodStr := strconv.FormatInt(period, 10)

	for tBin := 0; tBin < spectra.TBins; tBin++ {
		for ep := 0; ep < spectra.EnergyPts; ep++ {
			count := spectra.Counts[spectra.Index(tBin, ep)]
			if count == 0 {
				continue
			}

			row := []string{
				periodStr,
				strconv.Itoa(tBin),
				strconv.Itoa(ep),
				strconv.FormatUint(count, 10),
			}

			if err := w.w.Write(row); err != nil {
				return fmt.Errorf("writing row for period %d: %w", period, err)
			}
		}
	}

	w.w.Flush()

	return w.w.Error()
}

func (w *FileWriter) closeCurrent() error {
	if w.f == nil {
		return nil
	}

	w.w.Flush()

	err := w.f.Close()
	w.f = nil
	w.w = nil

	if err != nil {
		return fmt.Errorf("closing histogram file: %w", err)
	}

	return nil
}

// Stop flushes and closes the currently open file. A non-empty
// errorMessage is logged but does not change Stop's own return value.
func (w *FileWriter) Stop(errorMessage string) error {
	if errorMessage != "" {
		w.Logger.Error("histogram writer stopping due to run error", "error", errorMessage)
	} else {
		w.Logger.Info("histogram writer stopping")
	}

	return w.closeCurrent()
}

// Dest reports the output directory this writer is configured for.
func (w *FileWriter) Dest() string {
	return w.Dir
}
