package analysis

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gocarina/gocsv"

	"github.com/pthm-cable/mutare/telemetry"
)

func rec(step uint64, time float64, env, n int, extinct uint64, growth float64, strat0 float64) telemetry.Record {
	return telemetry.Record{
		Step:           step,
		Time:           time,
		TimeStep:       0.1,
		Env:            env,
		NAgents:        n,
		GrowthRate:     growth,
		NExtinct:       extinct,
		AvgStratPhe:    telemetry.Vector{strat0, 1 - strat0},
		StdDevStratPhe: telemetry.Vector{0.1, 0.1},
		DistPhe:        telemetry.Vector{0.5, 0.5},
	}
}

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

func TestAnalyzerSteps(t *testing.T) {
	info := RunInfo{NEnv: 2, NPhe: 2, Fingerprint: "fp"}
	a := NewAnalyzer()

	info.Index = 0
	if err := a.AddRun(info, []telemetry.Record{
		rec(0, 0, 0, 10, 0, 1, 0.2),
		rec(10, 1, 1, 20, 0, -1, 0.4),
	}); err != nil {
		t.Fatal(err)
	}
	info.Index = 1
	if err := a.AddRun(info, []telemetry.Record{
		rec(0, 0, 0, 10, 0, 3, 0.6),
		rec(10, 3, 0, 5, 1, 1, 0.8),
		rec(20, 4, 1, 10, 1, 0, 0.5),
	}); err != nil {
		t.Fatal(err)
	}

	steps := a.Steps()
	if len(steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(steps))
	}

	s0, s1, s2 := steps[0], steps[1], steps[2]
	if s0.NRuns != 2 || s2.NRuns != 1 {
		t.Errorf("n_runs = (%d, %d), want (2, 1)", s0.NRuns, s2.NRuns)
	}
	approx(t, "time[1]", s1.Time, 2)
	approx(t, "prob_extinct[1]", s1.ProbExtinct, 0.5)
	approx(t, "prob_env[1][1]", s1.ProbEnv[1], 0.5)
	approx(t, "avg_strat[0][0]", s0.AvgStratPhe[0], 0.4)
	approx(t, "std_strat[0][0]", s0.StdDevStratPhe[0], 0.2)
	approx(t, "avg_std_dev[0][0]", s0.AvgStdDevStratPhe[0], 0.1)
	approx(t, "growth[0]", s0.GrowthRate, 2)
	approx(t, "avg_n_agents[1]", s1.AvgNAgents, 12.5)

	// (20-10)/10 and (5-10)/10
	approx(t, "discrete_growth[1]", s1.DiscreteGrowthRate, 0.25)
	approx(t, "discrete_growth[2]", s2.DiscreteGrowthRate, 1)
	if s0.DiscreteGrowthRate != 0 {
		t.Errorf("discrete growth at index 0 = %v, want 0", s0.DiscreteGrowthRate)
	}
}

func TestAnalyzerRuns(t *testing.T) {
	a := NewAnalyzer()
	err := a.AddRun(RunInfo{Index: 3, NEnv: 2, NPhe: 2, Fingerprint: "fp"}, []telemetry.Record{
		rec(0, 0, 0, 10, 0, 1, 0.2),
		rec(10, 2, 1, 20, 1, 3, 0.4),
		rec(20, 4, 1, 10, 2, 2, 0.6),
	})
	if err != nil {
		t.Fatal(err)
	}

	runs := a.Runs()
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	r := runs[0]
	if r.Index != 3 || r.NRecords != 3 || r.NExtinct != 2 {
		t.Errorf("summary = %+v", r)
	}
	approx(t, "avg_growth_rate", r.AvgGrowthRate, 2)
	approx(t, "std_dev_growth_rate", r.StdDevGrowthRate, math.Sqrt(2.0/3))
	approx(t, "extinct_rate", r.ExtinctRate, 0.5)
	approx(t, "prob_env[1]", r.ProbEnv[1], 2.0/3)
	approx(t, "avg_strat[0]", r.AvgStratPhe[0], 0.4)
}

func TestAnalyzerMismatch(t *testing.T) {
	base := RunInfo{Index: 0, NEnv: 2, NPhe: 2, Fingerprint: "fp"}
	records := []telemetry.Record{rec(0, 0, 0, 10, 0, 0, 0.5)}

	tests := []struct {
		name    string
		info    RunInfo
		records []telemetry.Record
	}{
		{"n_env", RunInfo{Index: 1, NEnv: 3, NPhe: 2, Fingerprint: "fp"}, records},
		{"n_phe", RunInfo{Index: 1, NEnv: 2, NPhe: 3, Fingerprint: "fp"}, records},
		{"fingerprint", RunInfo{Index: 1, NEnv: 2, NPhe: 2, Fingerprint: "other"}, records},
		{"cadence", RunInfo{Index: 1, NEnv: 2, NPhe: 2, Fingerprint: "fp"}, []telemetry.Record{rec(5, 0, 0, 10, 0, 0, 0.5)}},
		{"env range", RunInfo{Index: 1, NEnv: 2, NPhe: 2, Fingerprint: "fp"}, []telemetry.Record{rec(0, 0, 2, 10, 0, 0, 0.5)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAnalyzer()
			if err := a.AddRun(base, records); err != nil {
				t.Fatal(err)
			}
			err := a.AddRun(tt.info, tt.records)
			if !errors.Is(err, ErrMismatch) {
				t.Fatalf("got %v, want ErrMismatch", err)
			}
			if a.NumRuns() != 1 || a.Steps()[0].NRuns != 1 {
				t.Error("rejected run was partially added")
			}
		})
	}
}

func TestLoadRun(t *testing.T) {
	dir := t.TempDir()
	w := telemetry.NewChunkWriter(dir, 0, 2)
	w.Add(rec(0, 0, 0, 10, 0, 0, 0.5))
	w.Add(rec(10, 1, 0, 10, 0, 0, 0.5))
	if _, err := w.Finalize(); err != nil {
		t.Fatal(err)
	}
	w.Add(rec(20, 2, 1, 10, 0, 0, 0.5))
	if _, err := w.Finalize(); err != nil {
		t.Fatal(err)
	}

	files, err := telemetry.OutputFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	records, err := LoadRun(files, 2)
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if len(records) != 3 || records[2].Step != 20 {
		t.Fatalf("records = %+v", records)
	}

	if _, err := LoadRun(files, 3); !errors.Is(err, telemetry.ErrCorruptState) {
		t.Errorf("wrong n_phe: got %v, want ErrCorruptState", err)
	}

	// Reversed order breaks the step sequence.
	if _, err := LoadRun([]string{files[1], files[0]}, 2); !errors.Is(err, telemetry.ErrCorruptState) {
		t.Errorf("out of order: got %v, want ErrCorruptState", err)
	}
}

func TestWriteOutputs(t *testing.T) {
	a := NewAnalyzer()
	if err := a.AddRun(RunInfo{NEnv: 2, NPhe: 2, Fingerprint: "fp"}, []telemetry.Record{
		rec(0, 0, 0, 10, 0, 1, 0.25),
	}); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	stepsPath := filepath.Join(dir, StepsFile)
	if err := WriteSteps(stepsPath, a.Steps()); err != nil {
		t.Fatal(err)
	}
	if err := WriteRuns(filepath.Join(dir, RunsFile), a.Runs()); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(stepsPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "0.25;0.75") {
		t.Errorf("steps file does not hold the strategy vector:\n%s", data)
	}

	var back []StepStats
	if err := gocsv.UnmarshalBytes(data, &back); err != nil {
		t.Fatal(err)
	}
	if len(back) != 1 || back[0].AvgStratPhe[1] != 0.75 {
		t.Errorf("read back %+v", back)
	}
}
