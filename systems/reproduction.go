package systems

import (
	"fmt"

	"github.com/pthm-cable/mutare/config"
	"github.com/pthm-cable/mutare/model"
	"github.com/pthm-cable/mutare/rng"
)

// Reproducer produces offspring: the phenotype is drawn from the parent's
// strategy, and with probability ProbMut the strategy is replaced by a fresh
// random distribution.
type Reproducer struct {
	nPhe    int
	probMut float64
	draw    func(s *rng.Stream, n int) []float64
}

// NewReproducer creates a reproducer from the model parameters.
func NewReproducer(m config.ModelConfig) (*Reproducer, error) {
	draw, err := StrategyGenerator(m.Mutation)
	if err != nil {
		return nil, err
	}
	return &Reproducer{nPhe: m.NPhe, probMut: m.ProbMut, draw: draw}, nil
}

// StrategyGenerator returns the random strategy generator for a mutation kind.
func StrategyGenerator(kind string) (func(s *rng.Stream, n int) []float64, error) {
	switch kind {
	case config.MutationSimplex, "":
		return (*rng.Stream).Simplex, nil
	case config.MutationUniform:
		return (*rng.Stream).NormalizedUniform, nil
	default:
		return nil, fmt.Errorf("%w: unknown mutation kind %q", config.ErrInvalid, kind)
	}
}

// Reproduce returns the offspring of parent.
//
// Draws, in order: one uniform for the phenotype, one uniform for the
// mutation test (always taken), then the strategy draws if mutated.
func (r *Reproducer) Reproduce(parent model.Agent, s *rng.Stream) model.Agent {
	phe := s.Categorical(parent.Strategy, 1)
	if phe < 0 {
		// Unreachable for a normalised strategy.
		phe = parent.Phenotype
	}

	child := model.Agent{Phenotype: phe, Strategy: parent.Strategy}
	if s.Float64() < r.probMut {
		child.Strategy = r.draw(s, r.nPhe)
	}
	return child
}

// RandomStrategy draws a fresh strategy the way a mutation would.
func (r *Reproducer) RandomStrategy(s *rng.Stream) model.Strategy {
	return r.draw(s, r.nPhe)
}
