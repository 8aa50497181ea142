package config

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Parameter ranges.
const (
	MaxStates       = 10
	MaxAgents       = 100_000
	MaxStepsPerFile = 1_000_000_000
	strategyTol     = 1e-8
)

// Validate checks every parameter and reports all violations at once.
// Each returned error wraps ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	m := &c.Model
	if m.NEnv < 1 || m.NEnv > MaxStates {
		fail("model.n_env must be in [1, %d], got %d", MaxStates, m.NEnv)
	}
	if m.NPhe < 1 || m.NPhe > MaxStates {
		fail("model.n_phe must be in [1, %d], got %d", MaxStates, m.NPhe)
	}

	for _, err := range []error{
		checkMatrix("model.rates_trans_env", m.RatesTransEnv, m.NEnv, m.NEnv, true),
		checkMatrix("model.rates_birth", m.RatesBirth, m.NEnv, m.NPhe, false),
		checkMatrix("model.rates_death", m.RatesDeath, m.NEnv, m.NPhe, false),
	} {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if math.IsNaN(m.ProbMut) || m.ProbMut < 0 || m.ProbMut > 1 {
		fail("model.prob_mut must be in [0, 1], got %v", m.ProbMut)
	}
	switch m.Mutation {
	case MutationSimplex, MutationUniform:
	default:
		fail("model.mutation must be %q or %q, got %q", MutationSimplex, MutationUniform, m.Mutation)
	}

	in := &c.Init
	if in.NAgents < 1 || in.NAgents > MaxAgents {
		fail("init.n_agents must be in [1, %d], got %d", MaxAgents, in.NAgents)
	}
	if !in.Strategy.Random {
		if err := checkStrategy(in.Strategy.Fixed, m.NPhe); err != nil {
			fail("init.strategy: %v", err)
		}
	}
	if in.Env < -1 || in.Env >= m.NEnv {
		fail("init.env must be -1 or in [0, %d), got %d", m.NEnv, in.Env)
	}

	out := &c.Output
	if out.StepsPerFile < 1 || out.StepsPerFile > MaxStepsPerFile {
		fail("output.steps_per_file must be in [1, %d], got %d", MaxStepsPerFile, out.StepsPerFile)
	}
	if out.StepsPerSave < 1 {
		fail("output.steps_per_save must be >= 1, got %d", out.StepsPerSave)
	} else if out.StepsPerFile%out.StepsPerSave != 0 {
		fail("output.steps_per_file (%d) must be a multiple of output.steps_per_save (%d)",
			out.StepsPerFile, out.StepsPerSave)
	}

	return errors.Join(errs...)
}

// checkMatrix verifies shape and that every entry used as a rate is finite
// and non-negative. Diagonal entries of a transition matrix are not rates.
func checkMatrix(name string, mat Matrix, rows, cols int, transition bool) error {
	if len(mat) != rows {
		return fmt.Errorf("%w: %s must have %d rows, got %d", ErrInvalid, name, rows, len(mat))
	}
	for i, row := range mat {
		if len(row) != cols {
			return fmt.Errorf("%w: %s row %d must have %d columns, got %d", ErrInvalid, name, i, cols, len(row))
		}
		for j, v := range row {
			if transition && i == j {
				continue
			}
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return fmt.Errorf("%w: %s[%d][%d] must be a finite rate >= 0, got %v", ErrInvalid, name, i, j, v)
			}
		}
	}
	return nil
}

func checkStrategy(v []float64, n int) error {
	if len(v) != n {
		return fmt.Errorf("length must be %d, got %d", n, len(v))
	}
	for i, x := range v {
		if math.IsNaN(x) || x < 0 {
			return fmt.Errorf("element %d must be >= 0, got %v", i, x)
		}
	}
	if sum := floats.Sum(v); math.Abs(sum-1) > strategyTol {
		return fmt.Errorf("must sum to 1 (tolerance %g), sums to %v", strategyTol, sum)
	}
	return nil
}

// normalize returns a copy of v scaled to sum to 1.
func normalize(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	floats.Scale(1/floats.Sum(out), out)
	return out
}
