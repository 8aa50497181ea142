package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// File names inside a simulation directory.
const (
	ConfigFile     = "config.yaml"
	CheckpointFile = "checkpoint.json"
	LockFile       = "run.lock"
)

var runDirName = regexp.MustCompile(`^run-(\d{4,})$`)

// RunDir returns the directory of run idx.
func RunDir(simDir string, idx int) string {
	return filepath.Join(simDir, fmt.Sprintf("run-%04d", idx))
}

// ListRuns returns the indices of the runs in a simulation directory, in
// increasing order.
func ListRuns(simDir string) ([]int, error) {
	entries, err := os.ReadDir(simDir)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	var runs []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := runDirName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		runs = append(runs, idx)
	}
	sort.Ints(runs)
	return runs, nil
}
