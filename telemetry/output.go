package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
)

// PartSuffix marks an output file that has not been finalized.
const PartSuffix = ".part"

var outputName = regexp.MustCompile(`^output-(\d{4,})\.csv$`)

// OutputName returns the file name of output file i.
func OutputName(i int) string {
	return fmt.Sprintf("output-%04d.csv", i)
}

// ChunkWriter collects the records of one output file and writes them out
// when the file is complete. A file is first written under a .part name and
// renamed once synced, so a finalized file is always complete.
type ChunkWriter struct {
	dir     string
	index   int
	records []Record
}

// NewChunkWriter creates a writer whose next file has the given index.
// capacity is the expected number of records per file.
func NewChunkWriter(dir string, index, capacity int) *ChunkWriter {
	return &ChunkWriter{
		dir:     dir,
		index:   index,
		records: make([]Record, 0, capacity),
	}
}

// Add appends a record to the open file.
func (w *ChunkWriter) Add(r Record) {
	w.records = append(w.records, r)
}

// Len returns the number of records in the open file.
func (w *ChunkWriter) Len() int { return len(w.records) }

// Index returns the index of the open file.
func (w *ChunkWriter) Index() int { return w.index }

// Discard drops the records of the open file.
func (w *ChunkWriter) Discard() {
	w.records = w.records[:0]
}

// Finalize writes the open file and starts the next one.
// Returns the path of the written file.
func (w *ChunkWriter) Finalize() (string, error) {
	path := filepath.Join(w.dir, OutputName(w.index))
	part := path + PartSuffix

	f, err := os.Create(part)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", part, err)
	}
	if err := gocsv.Marshal(w.records, f); err != nil {
		f.Close()
		return "", fmt.Errorf("writing records: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("syncing %s: %w", part, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", part, err)
	}
	if err := os.Rename(part, path); err != nil {
		return "", fmt.Errorf("finalizing %s: %w", path, err)
	}
	if err := syncDir(w.dir); err != nil {
		return "", err
	}

	w.index++
	w.Discard()
	return path, nil
}

// ReadRecords reads a finalized output file.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening output: %w", err)
	}
	defer f.Close()

	var records []Record
	if err := gocsv.UnmarshalFile(f, &records); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", ErrCorruptState, path, err)
	}
	return records, nil
}

// OutputFiles lists the finalized output files of a run directory in index
// order. Indices must be contiguous from zero.
func OutputFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing outputs: %w", err)
	}

	type indexed struct {
		idx  int
		name string
	}
	var found []indexed
	for _, e := range entries {
		m := outputName.FindStringSubmatch(e.Name())
		if m == nil || e.IsDir() {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		found = append(found, indexed{idx, e.Name()})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].idx < found[j].idx })

	files := make([]string, len(found))
	for i, f := range found {
		if f.idx != i {
			return nil, fmt.Errorf("%w: %s: missing %s", ErrCorruptState, dir, OutputName(i))
		}
		files[i] = filepath.Join(dir, f.name)
	}
	return files, nil
}

// RemoveOutputsFrom deletes output files with index >= from, and every
// unfinalized .part file. Used before resuming so that files written after
// the checkpoint are regenerated.
func RemoveOutputsFrom(dir string, from int) (removed int, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("listing outputs: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		stale := strings.HasSuffix(name, PartSuffix)
		if m := outputName.FindStringSubmatch(name); m != nil {
			if idx, err := strconv.Atoi(m[1]); err == nil && idx >= from {
				stale = true
			}
		}
		if !stale {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return removed, fmt.Errorf("removing %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}
