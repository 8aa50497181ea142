package model

import (
	"fmt"

	"github.com/pthm-cable/mutare/rng"
)

// Environment is the discrete environment state together with its
// transition rate matrix. The diagonal of the matrix is ignored.
type Environment struct {
	rates [][]float64
	exit  []float64 // off-diagonal row sums
	row   []float64 // scratch: current row with the diagonal zeroed
	state int
}

// NewEnvironment creates an environment in the given state.
// rates must be square with finite, non-negative off-diagonal entries.
func NewEnvironment(rates [][]float64, state int) (*Environment, error) {
	n := len(rates)
	if n == 0 {
		return nil, fmt.Errorf("environment needs at least one state")
	}
	e := &Environment{
		rates: rates,
		exit:  make([]float64, n),
		row:   make([]float64, n),
	}
	for i, r := range rates {
		if len(r) != n {
			return nil, fmt.Errorf("transition matrix row %d has %d entries, want %d", i, len(r), n)
		}
		for j, v := range r {
			if j == i {
				continue
			}
			if v < 0 {
				return nil, fmt.Errorf("negative transition rate %v at [%d][%d]", v, i, j)
			}
			e.exit[i] += v
		}
	}
	if err := e.Set(state); err != nil {
		return nil, err
	}
	return e, nil
}

// Len returns the number of environment states.
func (e *Environment) Len() int { return len(e.rates) }

// State returns the current environment state.
func (e *Environment) State() int { return e.state }

// ExitRate returns the total rate of leaving the current state.
func (e *Environment) ExitRate() float64 { return e.exit[e.state] }

// Pick draws the next state with probability proportional to the rates out
// of the current state, using one uniform draw. The state is not changed.
// Returns the current state only when the exit rate is zero.
func (e *Environment) Pick(s *rng.Stream) int {
	total := e.ExitRate()
	u := s.Float64()
	if total <= 0 {
		return e.state
	}
	copy(e.row, e.rates[e.state])
	e.row[e.state] = 0
	return rng.Select(e.row, u*total)
}

// Set moves the environment to the given state.
func (e *Environment) Set(state int) error {
	if state < 0 || state >= len(e.rates) {
		return fmt.Errorf("environment state %d out of range [0, %d)", state, len(e.rates))
	}
	e.state = state
	return nil
}

// Transition picks the next state and moves to it.
func (e *Environment) Transition(s *rng.Stream) int {
	next := e.Pick(s)
	e.state = next
	return next
}
