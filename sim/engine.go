// Package sim runs the continuous-time event process of one run: environment
// switching, births and deaths, drawn one event at a time from a single
// random stream.
package sim

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pthm-cable/mutare/config"
	"github.com/pthm-cable/mutare/model"
	"github.com/pthm-cable/mutare/rng"
	"github.com/pthm-cable/mutare/systems"
	"github.com/pthm-cable/mutare/telemetry"
)

// ErrAbsorbed is returned when the total event rate is zero: no event can
// ever happen again.
var ErrAbsorbed = errors.New("absorbing state: total event rate is zero")

// Propensities holds the aggregate rates of every event class in the current
// state.
type Propensities struct {
	Env   float64
	Birth []float64 // per phenotype
	Death []float64 // per phenotype
	Total float64
}

// Engine owns the state of one run and advances it event by event.
//
// Per event the stream is consumed in a fixed order (rng.DrawOrderVersion):
// the waiting time, the event class, the target (destination environment or
// agent within its phenotype), the reproduction draws for a birth, and
// finally the population controller's draws.
type Engine struct {
	nPhe  int
	seed  uint64
	birth config.Matrix
	death config.Matrix

	fingerprint string

	time        float64
	events      uint64
	extinctions uint64
	env         *model.Environment
	pop         *model.Population
	stream      *rng.Stream

	repro *systems.Reproducer
	ctrl  *systems.Controller

	// weights is laid out as [env, birth_0..birth_n-1, death_0..death_n-1].
	weights []float64
}

func newEngine(cfg *config.Config, seed uint64) (*Engine, error) {
	repro, err := systems.NewReproducer(cfg.Model)
	if err != nil {
		return nil, err
	}
	return &Engine{
		nPhe:        cfg.Model.NPhe,
		seed:        seed,
		birth:       cfg.Model.RatesBirth,
		death:       cfg.Model.RatesDeath,
		fingerprint: cfg.Derived.Fingerprint,
		repro:       repro,
		ctrl:        systems.NewController(cfg.Init, repro),
		weights:     make([]float64, 1+2*cfg.Model.NPhe),
	}, nil
}

// New creates the initial state of a run. The initial environment is drawn
// first when init.env is -1, then the population is seeded.
func New(cfg *config.Config, seed uint64) (*Engine, error) {
	e, err := newEngine(cfg, seed)
	if err != nil {
		return nil, err
	}
	e.stream = rng.New(seed)

	state := cfg.Init.Env
	if state < 0 {
		state = e.stream.IntN(cfg.Model.NEnv)
	}
	e.env, err = model.NewEnvironment(cfg.Model.RatesTransEnv, state)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	e.pop = model.NewPopulation(cfg.Model.NPhe, cfg.Init.NAgents+1)
	e.ctrl.Seed(e.pop, e.stream)
	return e, nil
}

// Restore rebuilds an engine from a checkpoint. The checkpoint must have been
// written for a configuration with the same fingerprint.
func Restore(cfg *config.Config, cp *telemetry.Checkpoint) (*Engine, error) {
	if cp.Fingerprint != cfg.Derived.Fingerprint {
		return nil, fmt.Errorf("%w: checkpoint model fingerprint %.12s does not match configuration %.12s",
			telemetry.ErrCorruptState, cp.Fingerprint, cfg.Derived.Fingerprint)
	}
	if cp.NEnv != cfg.Model.NEnv || cp.NPhe != cfg.Model.NPhe {
		return nil, fmt.Errorf("%w: checkpoint dimensions (%d, %d) do not match configuration (%d, %d)",
			telemetry.ErrCorruptState, cp.NEnv, cp.NPhe, cfg.Model.NEnv, cfg.Model.NPhe)
	}
	if len(cp.Agents) > cfg.Init.NAgents {
		return nil, fmt.Errorf("%w: %d agents exceed the cap of %d",
			telemetry.ErrCorruptState, len(cp.Agents), cfg.Init.NAgents)
	}

	e, err := newEngine(cfg, cp.Seed)
	if err != nil {
		return nil, err
	}
	e.time = cp.Time
	e.events = cp.Events
	e.extinctions = cp.Extinctions

	if e.env, err = model.NewEnvironment(cfg.Model.RatesTransEnv, cp.Env); err != nil {
		return nil, fmt.Errorf("%w: %w", telemetry.ErrCorruptState, err)
	}
	if e.pop, err = model.Restore(cp.Agents, cp.Buckets, cfg.Model.NPhe, cfg.Init.NAgents+1); err != nil {
		return nil, fmt.Errorf("%w: %w", telemetry.ErrCorruptState, err)
	}
	if e.stream, err = rng.Restore(cp.RNG); err != nil {
		return nil, fmt.Errorf("%w: %w", telemetry.ErrCorruptState, err)
	}
	return e, nil
}

// Checkpoint captures the full state of the engine.
func (e *Engine) Checkpoint(runID uuid.UUID, files int) (*telemetry.Checkpoint, error) {
	state, err := e.stream.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("capturing random stream: %w", err)
	}
	return &telemetry.Checkpoint{
		Version:     telemetry.CheckpointVersion,
		DrawOrder:   rng.DrawOrderVersion,
		RunID:       runID,
		Fingerprint: e.fingerprint,
		Seed:        e.seed,
		NEnv:        e.env.Len(),
		NPhe:        e.nPhe,
		SavedAt:     time.Now().UTC(),
		Files:       files,
		Time:        e.time,
		Events:      e.events,
		Extinctions: e.extinctions,
		Env:         e.env.State(),
		Agents:      append([]model.Agent(nil), e.pop.Agents()...),
		Buckets:     e.pop.Buckets(),
		RNG:         state,
	}, nil
}

// Time returns the simulated time.
func (e *Engine) Time() float64 { return e.time }

// Events returns the number of applied events.
func (e *Engine) Events() uint64 { return e.events }

// Extinctions returns the number of extinctions so far.
func (e *Engine) Extinctions() uint64 { return e.extinctions }

// Seed returns the seed the run was created with.
func (e *Engine) Seed() uint64 { return e.seed }

// Environment returns the environment.
func (e *Engine) Environment() *model.Environment { return e.env }

// Population returns the population. It must not be modified.
func (e *Engine) Population() *model.Population { return e.pop }

// propensities fills the weights table and returns the total rate.
func (e *Engine) propensities() float64 {
	env := e.env.State()
	w := e.weights
	w[0] = e.env.ExitRate()
	total := w[0]
	for p := 0; p < e.nPhe; p++ {
		n := float64(e.pop.Count(p))
		w[1+p] = n * e.birth[env][p]
		w[1+e.nPhe+p] = n * e.death[env][p]
		total += w[1+p] + w[1+e.nPhe+p]
	}
	return total
}

// Propensities returns the aggregate event rates in the current state.
func (e *Engine) Propensities() Propensities {
	total := e.propensities()
	w := e.weights
	return Propensities{
		Env:   w[0],
		Birth: append([]float64(nil), w[1:1+e.nPhe]...),
		Death: append([]float64(nil), w[1+e.nPhe:]...),
		Total: total,
	}
}

// TotalPropensity returns the total event rate in the current state.
func (e *Engine) TotalPropensity() float64 {
	return e.propensities()
}

// GrowthRate returns the instantaneous per-capita growth rate,
// (total birth rate - total death rate) / population size.
func (e *Engine) GrowthRate() float64 {
	n := e.pop.Len()
	if n == 0 {
		return 0
	}
	e.propensities()
	var g float64
	for p := 0; p < e.nPhe; p++ {
		g += e.weights[1+p] - e.weights[1+e.nPhe+p]
	}
	return g / float64(n)
}

// Next draws the next event without applying it. The state is unchanged
// except for the stream, so the event must be passed to Apply before the
// next call.
func (e *Engine) Next() (Event, error) {
	total := e.propensities()
	if total <= 0 {
		return Event{}, fmt.Errorf("%w (time %g, step %d)", ErrAbsorbed, e.time, e.events)
	}

	dt := e.stream.Exp(total)
	class := e.stream.Categorical(e.weights, total)

	switch {
	case class == 0:
		return Event{Kind: EventEnv, DT: dt, Target: e.env.Pick(e.stream)}, nil
	case class <= e.nPhe:
		phe := class - 1
		k := e.stream.IntN(e.pop.Count(phe))
		return Event{Kind: EventBirth, DT: dt, Phenotype: phe, Target: e.pop.Member(phe, k)}, nil
	default:
		phe := class - 1 - e.nPhe
		k := e.stream.IntN(e.pop.Count(phe))
		return Event{Kind: EventDeath, DT: dt, Phenotype: phe, Target: e.pop.Member(phe, k)}, nil
	}
}

// Apply applies an event drawn by Next, then enforces the population bounds.
func (e *Engine) Apply(ev Event) error {
	switch ev.Kind {
	case EventEnv:
		if err := e.env.Set(ev.Target); err != nil {
			return fmt.Errorf("applying environment event: %w", err)
		}
	case EventBirth:
		child := e.repro.Reproduce(e.pop.At(ev.Target), e.stream)
		e.pop.Add(child)
	case EventDeath:
		e.pop.RemoveAt(ev.Target)
	default:
		return fmt.Errorf("unknown event kind %v", ev.Kind)
	}

	e.time += ev.DT
	e.events++
	if e.ctrl.Enforce(e.pop, e.stream) {
		e.extinctions++
	}
	return nil
}

// Step draws and applies one event.
func (e *Engine) Step() (Event, error) {
	ev, err := e.Next()
	if err != nil {
		return ev, err
	}
	return ev, e.Apply(ev)
}
