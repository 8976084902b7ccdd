package histwriter_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpx3spectra/tpx3spectra/internal/histogram"
	"github.com/tpx3spectra/tpx3spectra/internal/histwriter"
)

func newSpectra(t *testing.T, counts ...uint64) *histogram.TDSpectra {
	t.Helper()

	s := histogram.New(1, len(counts))
	for ep, c := range counts {
		s.Add(0, ep, c)
	}

	return s
}

func TestWriteCreatesOneFilePerSaveInterval(t *testing.T) {
	dir := t.TempDir()

	w := &histwriter.FileWriter{
		Dir:          dir,
		SaveInterval: 2,
		Now:          func() time.Time { return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC) },
	}

	require.NoError(t, w.Start("chip-test"))

	require.NoError(t, w.Write(newSpectra(t, 3, 0), 1))
	require.NoError(t, w.Write(newSpectra(t, 0, 5), 2))
	require.NoError(t, w.Write(newSpectra(t, 1, 1), 3))

	require.NoError(t, w.Stop(""))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "a new file should open every 2 periods")
}

func TestWriteOmitsZeroCounts(t *testing.T) {
	dir := t.TempDir()

	w := &histwriter.FileWriter{
		Dir:          dir,
		SaveInterval: 10,
		Now:          func() time.Time { return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC) },
	}

	require.NoError(t, w.Start("chip-test"))
	require.NoError(t, w.Write(newSpectra(t, 0, 7), 1))
	require.NoError(t, w.Stop(""))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)

	assert.NotContains(t, string(data), "1,0,0,0", "zero-count cells should not be written")
	assert.Contains(t, string(data), "1,0,1,7")
}

func TestDestReturnsConfiguredDir(t *testing.T) {
	w := &histwriter.FileWriter{Dir: "/tmp/out"}
	assert.Equal(t, "/tmp/out", w.Dest())
}
