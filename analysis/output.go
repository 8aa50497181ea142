package analysis

import (
	"fmt"
	"os"

	"github.com/gocarina/gocsv"
)

// Output file names, relative to the simulation directory.
const (
	StepsFile = "analysis-steps.csv"
	RunsFile  = "analysis-runs.csv"
)

// WriteSteps writes per-step statistics as CSV.
func WriteSteps(path string, steps []StepStats) error {
	return writeCSV(path, steps)
}

// WriteRuns writes per-run summaries as CSV.
func WriteRuns(path string, runs []RunSummary) error {
	return writeCSV(path, runs)
}

func writeCSV(path string, rows interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := gocsv.Marshal(rows, f); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	return nil
}
