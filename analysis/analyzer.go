// Package analysis reduces the records of many runs into per-step and per-run
// statistics.
package analysis

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/mutare/telemetry"
)

// ErrMismatch is returned when a run cannot be aggregated with the runs
// already added.
var ErrMismatch = errors.New("runs cannot be aggregated")

// RunInfo identifies a run and the model it was simulated with.
type RunInfo struct {
	Index       int
	NEnv        int
	NPhe        int
	Fingerprint string
}

// StepStats holds the statistics of one record index across runs.
type StepStats struct {
	Index int     `csv:"index"`
	Step  uint64  `csv:"step"`
	NRuns int     `csv:"n_runs"`
	Time  float64 `csv:"time"`

	AvgNAgents  float64 `csv:"avg_n_agents"`
	ProbExtinct float64 `csv:"prob_extinct"`

	ProbEnv           telemetry.Vector `csv:"prob_env"`
	AvgStratPhe       telemetry.Vector `csv:"avg_strat_phe"`
	StdDevStratPhe    telemetry.Vector `csv:"std_dev_strat_phe"` // across runs
	AvgStdDevStratPhe telemetry.Vector `csv:"avg_std_dev_strat_phe"`
	AvgDistPhe        telemetry.Vector `csv:"avg_dist_phe"`

	GrowthRate         float64 `csv:"growth_rate"`
	DiscreteGrowthRate float64 `csv:"discrete_growth_rate"`
}

// RunSummary holds the statistics of one run over its whole trajectory.
type RunSummary struct {
	Index    int     `csv:"run"`
	NRecords int     `csv:"n_records"`
	Time     float64 `csv:"time"`
	NExtinct uint64  `csv:"n_extinct"`

	AvgGrowthRate    float64 `csv:"avg_growth_rate"`
	StdDevGrowthRate float64 `csv:"std_dev_growth_rate"`
	ExtinctRate      float64 `csv:"extinct_rate"`

	ProbEnv           telemetry.Vector `csv:"prob_env"`
	AvgStratPhe       telemetry.Vector `csv:"avg_strat_phe"`
	AvgStdDevStratPhe telemetry.Vector `csv:"avg_std_dev_strat_phe"`
	AvgDistPhe        telemetry.Vector `csv:"avg_dist_phe"`
}

// stepAcc accumulates one record index across runs.
type stepAcc struct {
	step    uint64
	n       int
	time    float64
	nAgents float64
	extinct int
	env     []float64

	// Welford accumulators of the per-run mean strategy.
	stratMean []float64
	stratM2   []float64

	disp   []float64
	dist   []float64
	growth float64

	dgr  float64
	dgrN int
}

// Analyzer accumulates runs. Runs must be added in a deterministic order for
// bit-reproducible output.
type Analyzer struct {
	info    RunInfo
	started bool
	steps   []*stepAcc
	runs    []RunSummary
}

// NewAnalyzer creates an empty analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// NumRuns returns the number of runs added.
func (a *Analyzer) NumRuns() int { return len(a.runs) }

// AddRun folds the records of one run into the statistics. The first run
// fixes the model; later runs must match it.
func (a *Analyzer) AddRun(info RunInfo, records []telemetry.Record) error {
	if !a.started {
		a.info = info
	} else if info.NEnv != a.info.NEnv || info.NPhe != a.info.NPhe || info.Fingerprint != a.info.Fingerprint {
		return fmt.Errorf("%w: run %d has model (%d, %d, %.12s), run %d has (%d, %d, %.12s)",
			ErrMismatch, info.Index, info.NEnv, info.NPhe, info.Fingerprint,
			a.info.Index, a.info.NEnv, a.info.NPhe, a.info.Fingerprint)
	}
	if err := a.check(info, records); err != nil {
		return err
	}
	a.started = true

	for i, r := range records {
		if i == len(a.steps) {
			a.steps = append(a.steps, a.newStep(r.Step))
		}
		a.steps[i].add(r, records, i)
	}
	a.runs = append(a.runs, summarize(info, records))
	return nil
}

func (a *Analyzer) check(info RunInfo, records []telemetry.Record) error {
	for i, r := range records {
		if len(r.AvgStratPhe) != info.NPhe || len(r.StdDevStratPhe) != info.NPhe || len(r.DistPhe) != info.NPhe {
			return fmt.Errorf("%w: run %d record %d has vectors of the wrong length", ErrMismatch, info.Index, i)
		}
		if r.Env < 0 || r.Env >= info.NEnv {
			return fmt.Errorf("%w: run %d record %d: environment %d out of range", ErrMismatch, info.Index, i, r.Env)
		}
		if i < len(a.steps) && a.steps[i].step != r.Step {
			return fmt.Errorf("%w: run %d record %d is at step %d, other runs at step %d",
				ErrMismatch, info.Index, i, r.Step, a.steps[i].step)
		}
	}
	return nil
}

func (a *Analyzer) newStep(step uint64) *stepAcc {
	nPhe := a.info.NPhe
	return &stepAcc{
		step:      step,
		env:       make([]float64, a.info.NEnv),
		stratMean: make([]float64, nPhe),
		stratM2:   make([]float64, nPhe),
		disp:      make([]float64, nPhe),
		dist:      make([]float64, nPhe),
	}
}

func (s *stepAcc) add(r telemetry.Record, records []telemetry.Record, i int) {
	s.n++
	s.time += r.Time
	s.nAgents += float64(r.NAgents)
	if r.NExtinct > 0 {
		s.extinct++
	}
	s.env[r.Env]++
	s.growth += r.GrowthRate

	n := float64(s.n)
	for j, x := range r.AvgStratPhe {
		d := x - s.stratMean[j]
		s.stratMean[j] += d / n
		s.stratM2[j] += d * (x - s.stratMean[j])
	}
	floats.Add(s.disp, r.StdDevStratPhe)
	floats.Add(s.dist, r.DistPhe)

	if i > 0 && records[i-1].NAgents > 0 {
		prev := float64(records[i-1].NAgents)
		s.dgr += (float64(r.NAgents) - prev) / prev
		s.dgrN++
	}
}

// Steps returns the per-record-index statistics. Index i aggregates the
// i-th record of every run that has one.
func (a *Analyzer) Steps() []StepStats {
	out := make([]StepStats, len(a.steps))
	for i, s := range a.steps {
		n := float64(s.n)
		st := StepStats{
			Index:             i,
			Step:              s.step,
			NRuns:             s.n,
			Time:              s.time / n,
			AvgNAgents:        s.nAgents / n,
			ProbExtinct:       float64(s.extinct) / n,
			ProbEnv:           scaled(s.env, 1/n),
			AvgStratPhe:       append(telemetry.Vector(nil), s.stratMean...),
			StdDevStratPhe:    make(telemetry.Vector, len(s.stratM2)),
			AvgStdDevStratPhe: scaled(s.disp, 1/n),
			AvgDistPhe:        scaled(s.dist, 1/n),
			GrowthRate:        s.growth / n,
		}
		for j, m2 := range s.stratM2 {
			st.StdDevStratPhe[j] = math.Sqrt(m2 / n)
		}
		if s.dgrN > 0 {
			st.DiscreteGrowthRate = s.dgr / float64(s.dgrN)
		}
		out[i] = st
	}
	return out
}

// Runs returns the per-run summaries in the order the runs were added.
func (a *Analyzer) Runs() []RunSummary {
	return append([]RunSummary(nil), a.runs...)
}

func summarize(info RunInfo, records []telemetry.Record) RunSummary {
	rs := RunSummary{
		Index:             info.Index,
		NRecords:          len(records),
		ProbEnv:           make(telemetry.Vector, info.NEnv),
		AvgStratPhe:       make(telemetry.Vector, info.NPhe),
		AvgStdDevStratPhe: make(telemetry.Vector, info.NPhe),
		AvgDistPhe:        make(telemetry.Vector, info.NPhe),
	}
	if len(records) == 0 {
		return rs
	}

	last := records[len(records)-1]
	rs.Time = last.Time
	rs.NExtinct = last.NExtinct
	if last.Time > 0 {
		rs.ExtinctRate = float64(last.NExtinct) / last.Time
	}

	growth := make([]float64, len(records))
	for i, r := range records {
		growth[i] = r.GrowthRate
		rs.ProbEnv[r.Env]++
		floats.Add(rs.AvgStratPhe, r.AvgStratPhe)
		floats.Add(rs.AvgStdDevStratPhe, r.StdDevStratPhe)
		floats.Add(rs.AvgDistPhe, r.DistPhe)
	}
	rs.AvgGrowthRate, rs.StdDevGrowthRate = stat.PopMeanStdDev(growth, nil)

	inv := 1 / float64(len(records))
	for _, v := range []telemetry.Vector{rs.ProbEnv, rs.AvgStratPhe, rs.AvgStdDevStratPhe, rs.AvgDistPhe} {
		floats.Scale(inv, v)
	}
	return rs
}

func scaled(v []float64, c float64) telemetry.Vector {
	out := append(telemetry.Vector(nil), v...)
	floats.Scale(c, out)
	return out
}
