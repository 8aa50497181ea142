package manager

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/pthm-cable/mutare/analysis"
	"github.com/pthm-cable/mutare/config"
	"github.com/pthm-cable/mutare/telemetry"
)

const testConfig = `
seed: 17
model:
  prob_mut: 0.05
init:
  n_agents: 16
  strategy: random
output:
  steps_per_file: 120
  steps_per_save: 12
`

// otherModel differs from testConfig in the model only.
var otherModel = strings.Replace(testConfig, "prob_mut: 0.05", "prob_mut: 0.06", 1)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// newSim creates a simulation directory holding config.yaml and opens it.
func newSim(t *testing.T, doc string) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	return New(dir, quietLogger()), dir
}

func TestInvalidConfig(t *testing.T) {
	m, dir := newSim(t, "model:\n  prob_mut: 3\n")
	ctx := context.Background()

	if _, err := m.Config(); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("Config: got %v, want config.ErrInvalid", err)
	}
	if _, err := m.CreateRun(ctx); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("CreateRun: got %v, want config.ErrInvalid", err)
	}
	if err := m.ResumeRun(ctx, 0, 1, ""); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("ResumeRun: got %v, want config.ErrInvalid", err)
	}
	runs, err := ListRuns(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("invalid config created runs %v", runs)
	}
}

func TestCleanIgnoresConfig(t *testing.T) {
	good, dir := newSim(t, testConfig)
	if _, err := good.CreateRun(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte("model: [broken"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := New(dir, quietLogger()).CleanSim(); err != nil {
		t.Fatalf("CleanSim with a broken config: %v", err)
	}
	runs, err := ListRuns(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("runs left after clean: %v", runs)
	}
}

func TestNewUsesDefaultsWithoutConfig(t *testing.T) {
	cfg, err := New(t.TempDir(), quietLogger()).Config()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Init.NAgents != 1024 {
		t.Errorf("n_agents = %d, want default", cfg.Init.NAgents)
	}
}

func TestCreateResumeAnalyzeClean(t *testing.T) {
	m, dir := newSim(t, testConfig)
	ctx := context.Background()

	for want := 0; want < 3; want++ {
		idx, err := m.CreateRun(ctx)
		if err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		if idx != want {
			t.Fatalf("run index = %d, want %d", idx, want)
		}
		if _, err := os.Stat(filepath.Join(RunDir(dir, idx), LockFile)); !os.IsNotExist(err) {
			t.Error("lock not released after create")
		}
	}

	for idx := 0; idx < 3; idx++ {
		if err := m.ResumeRun(ctx, idx, 2, ""); err != nil {
			t.Fatalf("ResumeRun(%d): %v", idx, err)
		}
	}

	cp, err := telemetry.LoadCheckpoint(filepath.Join(RunDir(dir, 1), CheckpointFile))
	if err != nil {
		t.Fatal(err)
	}
	if cp.Files != 2 || cp.Events != 240 {
		t.Errorf("checkpoint at file %d, event %d; want 2, 240", cp.Files, cp.Events)
	}

	if err := m.AnalyzeSim(ctx, 2); err != nil {
		t.Fatalf("AnalyzeSim: %v", err)
	}
	f, err := os.Open(filepath.Join(dir, analysis.StepsFile))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1+20 {
		t.Errorf("steps file has %d lines, want header + 20", len(lines))
	}
	if _, err := os.Stat(filepath.Join(dir, analysis.RunsFile)); err != nil {
		t.Errorf("runs file missing: %v", err)
	}

	if err := m.CleanSim(); err != nil {
		t.Fatalf("CleanSim: %v", err)
	}
	runs, err := ListRuns(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("runs left after clean: %v", runs)
	}
	if _, err := os.Stat(filepath.Join(dir, ConfigFile)); err != nil {
		t.Error("clean removed the simulation config")
	}
}

func TestResumeInPiecesMatchesSingleResume(t *testing.T) {
	ctx := context.Background()

	whole, wholeDir := newSim(t, testConfig)
	if _, err := whole.CreateRun(ctx); err != nil {
		t.Fatal(err)
	}
	if err := whole.ResumeRun(ctx, 0, 3, ""); err != nil {
		t.Fatal(err)
	}

	pieces, piecesDir := newSim(t, testConfig)
	if _, err := pieces.CreateRun(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := pieces.ResumeRun(ctx, 0, 1, ""); err != nil {
			t.Fatal(err)
		}
	}

	assertSameOutputs(t, RunDir(wholeDir, 0), RunDir(piecesDir, 0), 3)
}

func TestResumeRegeneratesFilesAfterCheckpoint(t *testing.T) {
	ctx := context.Background()
	m, dir := newSim(t, testConfig)
	if _, err := m.CreateRun(ctx); err != nil {
		t.Fatal(err)
	}
	run := RunDir(dir, 0)
	cpPath := filepath.Join(run, CheckpointFile)

	if err := m.ResumeRun(ctx, 0, 1, ""); err != nil {
		t.Fatal(err)
	}
	saved, err := os.ReadFile(cpPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ResumeRun(ctx, 0, 1, ""); err != nil {
		t.Fatal(err)
	}
	want, err := os.ReadFile(filepath.Join(run, telemetry.OutputName(1)))
	if err != nil {
		t.Fatal(err)
	}

	// Crash after file 1 was finalized but before its checkpoint was saved,
	// with a half-written file 2 on disk.
	if err := os.WriteFile(cpPath, saved, 0644); err != nil {
		t.Fatal(err)
	}
	part := filepath.Join(run, telemetry.OutputName(2)+telemetry.PartSuffix)
	if err := os.WriteFile(part, []byte("step,time\n1,"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := m.ResumeRun(ctx, 0, 1, ""); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(run, telemetry.OutputName(1)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Error("regenerated file differs from the original")
	}
	if _, err := os.Stat(part); !os.IsNotExist(err) {
		t.Error("stale .part file not removed")
	}
}

func TestResumeErrors(t *testing.T) {
	ctx := context.Background()
	m, dir := newSim(t, testConfig)

	if err := m.ResumeRun(ctx, 0, 1, ""); !errors.Is(err, ErrNoRun) {
		t.Errorf("missing run: got %v, want ErrNoRun", err)
	}

	if _, err := m.CreateRun(ctx); err != nil {
		t.Fatal(err)
	}
	lock := filepath.Join(RunDir(dir, 0), LockFile)
	if err := os.WriteFile(lock, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.ResumeRun(ctx, 0, 1, ""); !errors.Is(err, ErrRunLocked) {
		t.Errorf("locked run: got %v, want ErrRunLocked", err)
	}
	if err := m.CleanSim(); !errors.Is(err, ErrRunLocked) {
		t.Errorf("clean with locked run: got %v, want ErrRunLocked", err)
	}
	if err := os.Remove(lock); err != nil {
		t.Fatal(err)
	}

	// Same directory, different model.
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(otherModel), 0644); err != nil {
		t.Fatal(err)
	}
	changed := New(dir, quietLogger())
	if err := changed.ResumeRun(ctx, 0, 1, ""); !errors.Is(err, telemetry.ErrCorruptState) {
		t.Errorf("changed model: got %v, want ErrCorruptState", err)
	}

	if err := os.WriteFile(filepath.Join(RunDir(dir, 0), CheckpointFile), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.ResumeRun(ctx, 0, 1, ""); !errors.Is(err, telemetry.ErrCorruptState) {
		t.Errorf("corrupt checkpoint: got %v, want ErrCorruptState", err)
	}
}

func TestResumeStopsOnCancel(t *testing.T) {
	m, dir := newSim(t, testConfig)
	if _, err := m.CreateRun(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.ResumeRun(ctx, 0, 5, ""); err != nil {
		t.Fatalf("cancelled resume should stop cleanly, got %v", err)
	}
	cp, err := telemetry.LoadCheckpoint(filepath.Join(RunDir(dir, 0), CheckpointFile))
	if err != nil {
		t.Fatal(err)
	}
	if cp.Files != 0 {
		t.Errorf("checkpoint advanced to file %d", cp.Files)
	}
}

func TestResumeWritesMetrics(t *testing.T) {
	m, dir := newSim(t, testConfig)
	ctx := context.Background()
	if _, err := m.CreateRun(ctx); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "run.prom")
	if err := m.ResumeRun(ctx, 0, 1, path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `mutare_output_files_total{run="0000"} 1`) {
		t.Errorf("metrics textfile:\n%s", data)
	}
}

func TestAnalyzeRejectsMixedModels(t *testing.T) {
	ctx := context.Background()
	m, dir := newSim(t, testConfig)
	if _, err := m.CreateRun(ctx); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(otherModel), 0644); err != nil {
		t.Fatal(err)
	}
	other := New(dir, quietLogger())
	if _, err := other.CreateRun(ctx); err != nil {
		t.Fatal(err)
	}

	if err := other.AnalyzeSim(ctx, 2); !errors.Is(err, analysis.ErrMismatch) {
		t.Errorf("got %v, want analysis.ErrMismatch", err)
	}
}

func TestAnalyzeSkipsCorruptRuns(t *testing.T) {
	ctx := context.Background()
	m, dir := newSim(t, testConfig)
	for i := 0; i < 3; i++ {
		if _, err := m.CreateRun(ctx); err != nil {
			t.Fatal(err)
		}
		if err := m.ResumeRun(ctx, i, 1, ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(RunDir(dir, 2), CheckpointFile), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	// A run whose creation has not written a checkpoint yet.
	if err := os.Mkdir(RunDir(dir, 3), 0755); err != nil {
		t.Fatal(err)
	}

	if err := m.AnalyzeSim(ctx, 2); err != nil {
		t.Fatalf("AnalyzeSim: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, analysis.RunsFile))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1+2 {
		t.Errorf("runs file has %d lines, want header + 2:\n%s", len(lines), data)
	}

	// Nothing readable left.
	for _, idx := range []int{0, 1} {
		if err := os.Remove(filepath.Join(RunDir(dir, idx), CheckpointFile)); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.AnalyzeSim(ctx, 2); !errors.Is(err, ErrNoRun) {
		t.Errorf("got %v, want ErrNoRun", err)
	}
}

func TestStaleLockIsTakenOver(t *testing.T) {
	ctx := context.Background()
	m, dir := newSim(t, testConfig)
	if _, err := m.CreateRun(ctx); err != nil {
		t.Fatal(err)
	}

	// A lock left behind by a process that was killed.
	lock := filepath.Join(RunDir(dir, 0), LockFile)
	if err := os.WriteFile(lock, []byte(strconv.Itoa(exitedPid(t))+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.ResumeRun(ctx, 0, 1, ""); err != nil {
		t.Fatalf("ResumeRun over a stale lock: %v", err)
	}
	if _, err := os.Stat(lock); !os.IsNotExist(err) {
		t.Error("lock not released after resume")
	}

	// A lock held by a live process is respected.
	if err := os.WriteFile(lock, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.ResumeRun(ctx, 0, 1, ""); !errors.Is(err, ErrRunLocked) {
		t.Errorf("live lock: got %v, want ErrRunLocked", err)
	}
	if err := os.WriteFile(lock, []byte(strconv.Itoa(exitedPid(t))+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.CleanSim(); err != nil {
		t.Errorf("CleanSim over a stale lock: %v", err)
	}
}

// exitedPid returns the pid of a child process that has exited and been
// reaped.
func exitedPid(t *testing.T) int {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	if err := cmd.Run(); err != nil {
		t.Fatalf("running child: %v", err)
	}
	return cmd.Process.Pid
}

func TestAnalyzeEmptySim(t *testing.T) {
	m, _ := newSim(t, testConfig)
	if err := m.AnalyzeSim(context.Background(), 1); !errors.Is(err, ErrNoRun) {
		t.Errorf("got %v, want ErrNoRun", err)
	}
}

func assertSameOutputs(t *testing.T, a, b string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		name := telemetry.OutputName(i)
		da, err := os.ReadFile(filepath.Join(a, name))
		if err != nil {
			t.Fatal(err)
		}
		db, err := os.ReadFile(filepath.Join(b, name))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(da, db) {
			t.Errorf("%s differs", name)
		}
	}
}
