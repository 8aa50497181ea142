// Package manager implements the operations on a simulation directory:
// creating runs, resuming them, analyzing them and cleaning up.
//
// Layout:
//
//	DIR/config.yaml              simulation configuration (optional)
//	DIR/run-NNNN/config.yaml     effective configuration of the run, with its seed
//	DIR/run-NNNN/checkpoint.json state at the last file boundary
//	DIR/run-NNNN/output-NNNN.csv records, one file per steps_per_file events
//	DIR/analysis-steps.csv       per-step statistics across runs
//	DIR/analysis-runs.csv        per-run summaries
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/pthm-cable/mutare/analysis"
	"github.com/pthm-cable/mutare/config"
	"github.com/pthm-cable/mutare/sim"
	"github.com/pthm-cable/mutare/telemetry"
)

var (
	// ErrNoRun is returned when a run or any run is required but missing.
	ErrNoRun = errors.New("no such run")
	// ErrRunLocked is returned when another process holds the run.
	ErrRunLocked = errors.New("run is locked")
)

// Manager operates on one simulation directory.
type Manager struct {
	simDir string
	logger *slog.Logger

	cfg *config.Config
}

// New opens a simulation directory. The configuration is loaded on first
// use by the operations that simulate.
func New(simDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{simDir: simDir, logger: logger}
}

// Config returns the simulation configuration, read from config.yaml in the
// directory when present, otherwise the defaults.
func (m *Manager) Config() (*config.Config, error) {
	if m.cfg != nil {
		return m.cfg, nil
	}
	path := filepath.Join(m.simDir, ConfigFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	m.cfg = cfg
	return cfg, nil
}

// CreateRun creates a new run with the next free index and writes its
// initial checkpoint. Returns the run index.
func (m *Manager) CreateRun(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cfg, err := m.Config()
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(m.simDir, 0755); err != nil {
		return 0, fmt.Errorf("creating simulation directory: %w", err)
	}
	runs, err := ListRuns(m.simDir)
	if err != nil {
		return 0, err
	}
	idx := 0
	if len(runs) > 0 {
		idx = runs[len(runs)-1] + 1
	}
	dir := RunDir(m.simDir, idx)
	if err := os.Mkdir(dir, 0755); err != nil {
		return 0, fmt.Errorf("creating run directory: %w", err)
	}

	lock, err := lockRun(dir)
	if err != nil {
		return 0, err
	}
	defer m.release(lock)

	seed := cfg.Seed
	for seed == 0 {
		seed = rand.Uint64()
	}
	runCfg := *cfg
	runCfg.Seed = seed
	if err := runCfg.WriteYAML(filepath.Join(dir, ConfigFile)); err != nil {
		return 0, err
	}

	eng, err := sim.New(&runCfg, seed)
	if err != nil {
		return 0, err
	}
	runID := uuid.New()
	cp, err := eng.Checkpoint(runID, 0)
	if err != nil {
		return 0, err
	}
	if err := telemetry.SaveCheckpoint(cp, filepath.Join(dir, CheckpointFile)); err != nil {
		return 0, err
	}

	m.logger.Info("run created",
		"run", idx,
		"run_id", runID.String(),
		"seed", seed,
		"env", eng.Environment().State(),
		"n_agents", eng.Population().Len(),
	)
	return idx, nil
}

// ResumeRun continues run idx from its checkpoint for up to files output
// files. Output files written after the checkpoint are regenerated. A
// cancelled context stops the run cleanly at the next file boundary.
// If metricsFile is not empty, the run metrics are written there in the
// Prometheus text format.
func (m *Manager) ResumeRun(ctx context.Context, idx, files int, metricsFile string) (err error) {
	cfg, err := m.Config()
	if err != nil {
		return err
	}
	dir := RunDir(m.simDir, idx)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %d", ErrNoRun, idx)
		}
		return err
	}

	lock, err := lockRun(dir)
	if err != nil {
		return err
	}
	defer m.release(lock)

	cpPath := filepath.Join(dir, CheckpointFile)
	cp, err := telemetry.LoadCheckpoint(cpPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: run %d has no checkpoint: %w", telemetry.ErrCorruptState, idx, err)
		}
		return err
	}
	eng, err := sim.Restore(cfg, cp)
	if err != nil {
		return fmt.Errorf("run %d: %w", idx, err)
	}

	logger := m.logger.With("run", idx, "run_id", cp.RunID.String())
	removed, err := telemetry.RemoveOutputsFrom(dir, cp.Files)
	if err != nil {
		return err
	}
	if removed > 0 {
		logger.Warn("removed output files newer than the checkpoint", "files", removed)
	}

	metrics, err := telemetry.NewMetrics(idx)
	if err != nil {
		return err
	}
	if metricsFile != "" {
		defer func() {
			if werr := metrics.WriteTextfile(metricsFile); werr != nil && err == nil {
				err = werr
			}
		}()
	}

	rec, err := sim.NewRecorder(eng, cfg.Output, dir, cp.Files, metrics, logger)
	if err != nil {
		return err
	}

	logger.Info("resuming run",
		"file", cp.Files,
		"files", files,
		"events", humanize.Comma(int64(cp.Events)),
		"time", cp.Time,
	)

	err = rec.Run(ctx, files, func(stats telemetry.ChunkStats) error {
		next, err := eng.Checkpoint(cp.RunID, rec.Files())
		if err != nil {
			return err
		}
		if err := telemetry.SaveCheckpoint(next, cpPath); err != nil {
			return err
		}
		logger.Info("file complete", "stats", stats)
		return nil
	})

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Info("run stopped", "files", rec.Files(), "reason", err.Error())
		return nil
	case errors.Is(err, sim.ErrAbsorbed):
		logger.Error("run absorbed; keeping last checkpoint", "files", rec.Files(), "error", err)
		return fmt.Errorf("run %d: %w", idx, err)
	case err != nil:
		return fmt.Errorf("run %d: %w", idx, err)
	}

	logger.Info("run resumed",
		"files", rec.Files(),
		"events", humanize.Comma(int64(eng.Events())),
		"time", eng.Time(),
		"extinctions", eng.Extinctions(),
	)
	return nil
}

type loadedRun struct {
	ok      bool
	info    analysis.RunInfo
	records []telemetry.Record
}

// AnalyzeSim loads the finalized output of every run, using up to workers
// goroutines, and writes the per-step and per-run statistics into the
// simulation directory. Runs with a corrupt or missing checkpoint or output
// are left out with a warning; runs of different models fail the analysis.
func (m *Manager) AnalyzeSim(ctx context.Context, workers int) error {
	runs, err := ListRuns(m.simDir)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return fmt.Errorf("%w: %s has no runs", ErrNoRun, m.simDir)
	}
	if workers < 1 {
		workers = 1
	}

	loaded := make([]loadedRun, len(runs))
	p := pool.New().
		WithMaxGoroutines(workers).
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()
	for i, idx := range runs {
		p.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			run, err := loadRun(m.simDir, idx)
			switch {
			case errors.Is(err, telemetry.ErrCorruptState), errors.Is(err, os.ErrNotExist):
				m.logger.Warn("skipping run", "run", idx, "error", err)
				return nil
			case err != nil:
				return fmt.Errorf("run %d: %w", idx, err)
			}
			run.ok = true
			loaded[i] = run
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}

	a := analysis.NewAnalyzer()
	var records, skipped int
	for _, run := range loaded {
		if !run.ok {
			skipped++
			continue
		}
		if err := a.AddRun(run.info, run.records); err != nil {
			return err
		}
		records += len(run.records)
	}
	if a.NumRuns() == 0 {
		return fmt.Errorf("%w: no readable runs in %s (%d skipped)", ErrNoRun, m.simDir, skipped)
	}

	stepsPath := filepath.Join(m.simDir, analysis.StepsFile)
	if err := analysis.WriteSteps(stepsPath, a.Steps()); err != nil {
		return err
	}
	if err := analysis.WriteRuns(filepath.Join(m.simDir, analysis.RunsFile), a.Runs()); err != nil {
		return err
	}

	m.logger.Info("analysis written",
		"runs", a.NumRuns(),
		"skipped", skipped,
		"records", humanize.Comma(int64(records)),
		"steps", len(a.Steps()),
		"path", stepsPath,
	)
	return nil
}

func loadRun(simDir string, idx int) (loadedRun, error) {
	dir := RunDir(simDir, idx)
	cp, err := telemetry.LoadCheckpoint(filepath.Join(dir, CheckpointFile))
	if err != nil {
		return loadedRun{}, err
	}
	files, err := telemetry.OutputFiles(dir)
	if err != nil {
		return loadedRun{}, err
	}
	// The checkpoint may lag behind by one file after a crash.
	if len(files) > cp.Files+1 || len(files) < cp.Files {
		return loadedRun{}, fmt.Errorf("%w: %d output files, checkpoint records %d",
			telemetry.ErrCorruptState, len(files), cp.Files)
	}
	records, err := analysis.LoadRun(files, cp.NPhe)
	if err != nil {
		return loadedRun{}, err
	}
	return loadedRun{
		info: analysis.RunInfo{
			Index:       idx,
			NEnv:        cp.NEnv,
			NPhe:        cp.NPhe,
			Fingerprint: cp.Fingerprint,
		},
		records: records,
	}, nil
}

// CleanSim removes every run and the analysis outputs. The simulation
// configuration is kept. Fails with ErrRunLocked if any run is in use.
func (m *Manager) CleanSim() error {
	runs, err := ListRuns(m.simDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, idx := range runs {
		if dir := RunDir(m.simDir, idx); isLocked(dir) {
			return fmt.Errorf("%w: %s", ErrRunLocked, dir)
		}
	}

	for _, idx := range runs {
		if err := os.RemoveAll(RunDir(m.simDir, idx)); err != nil {
			return fmt.Errorf("removing run %d: %w", idx, err)
		}
	}
	for _, name := range []string{analysis.StepsFile, analysis.RunsFile} {
		if err := os.Remove(filepath.Join(m.simDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", name, err)
		}
	}

	m.logger.Info("simulation cleaned", "dir", m.simDir, "runs", len(runs))
	return nil
}

func (m *Manager) release(l *runLock) {
	if err := l.release(); err != nil {
		m.logger.Warn("lock not released", "path", l.path, "error", err)
	}
}
