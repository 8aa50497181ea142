package systems

import (
	"github.com/pthm-cable/mutare/config"
	"github.com/pthm-cable/mutare/model"
	"github.com/pthm-cable/mutare/rng"
)

// Controller keeps the population between extinction and the size cap.
type Controller struct {
	size   int
	policy config.StrategyPolicy
	repro  *Reproducer
}

// NewController creates a controller that reseeds and caps the population at
// init.n_agents.
func NewController(init config.InitConfig, repro *Reproducer) *Controller {
	return &Controller{size: init.NAgents, policy: init.Strategy, repro: repro}
}

// Enforce applies the population bounds after an event. An empty population
// is reseeded with exactly init.n_agents agents and Enforce reports true; a
// population above the cap is culled uniformly without replacement.
func (c *Controller) Enforce(pop *model.Population, s *rng.Stream) (extinct bool) {
	if pop.Len() == 0 {
		c.Seed(pop, s)
		return true
	}
	for pop.Len() > c.size {
		pop.RemoveAt(s.IntN(pop.Len()))
	}
	return false
}

// Seed fills an empty population with init.n_agents agents drawn from the initial
// strategy policy.
func (c *Controller) Seed(pop *model.Population, s *rng.Stream) {
	var fixed model.Strategy
	if !c.policy.Random {
		fixed = model.Strategy(c.policy.Fixed)
	}
	for i := 0; i < c.size; i++ {
		strat := fixed
		if strat == nil {
			strat = c.repro.RandomStrategy(s)
		}
		pop.Add(model.Agent{Phenotype: s.Categorical(strat, 1), Strategy: strat})
	}
}
