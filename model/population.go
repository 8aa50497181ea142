package model

import (
	"errors"
	"fmt"
)

// Population is an unordered set of agents stored in a contiguous arena,
// indexed by phenotype.
//
// buckets[p] lists the arena indices of every agent with phenotype p, and
// slot[i] is the position of agent i inside its bucket. Both are kept in
// step with the arena on every Add and RemoveAt, so per-phenotype counts and
// uniform picks within a phenotype are O(1).
type Population struct {
	agents  []Agent
	buckets [][]int
	slot    []int
}

// ErrInconsistent reports bucket data that does not describe the agents.
var ErrInconsistent = errors.New("inconsistent population index")

// NewPopulation creates an empty population for nPhe phenotypes.
func NewPopulation(nPhe, capacity int) *Population {
	p := &Population{
		agents:  make([]Agent, 0, capacity),
		buckets: make([][]int, nPhe),
		slot:    make([]int, 0, capacity),
	}
	return p
}

// Len returns the number of live agents.
func (p *Population) Len() int { return len(p.agents) }

// NumPhenotypes returns the number of phenotype buckets.
func (p *Population) NumPhenotypes() int { return len(p.buckets) }

// Count returns the number of agents with phenotype phe.
func (p *Population) Count(phe int) int { return len(p.buckets[phe]) }

// At returns the agent at arena index i.
func (p *Population) At(i int) Agent { return p.agents[i] }

// Member returns the arena index of the k-th agent of phenotype phe.
func (p *Population) Member(phe, k int) int { return p.buckets[phe][k] }

// Add appends an agent.
func (p *Population) Add(a Agent) {
	i := len(p.agents)
	p.agents = append(p.agents, a)
	p.slot = append(p.slot, len(p.buckets[a.Phenotype]))
	p.buckets[a.Phenotype] = append(p.buckets[a.Phenotype], i)
}

// RemoveAt removes the agent at arena index i. The last agent of the arena
// takes its place.
func (p *Population) RemoveAt(i int) {
	// Unlink from the bucket: the bucket's last entry fills the hole.
	phe := p.agents[i].Phenotype
	b := p.buckets[phe]
	k := p.slot[i]
	moved := b[len(b)-1]
	b[k] = moved
	p.slot[moved] = k
	p.buckets[phe] = b[:len(b)-1]

	// Swap-remove from the arena.
	last := len(p.agents) - 1
	if i != last {
		a := p.agents[last]
		p.agents[i] = a
		p.slot[i] = p.slot[last]
		p.buckets[a.Phenotype][p.slot[i]] = i
	}
	p.agents[last] = Agent{}
	p.agents = p.agents[:last]
	p.slot = p.slot[:last]
}

// Clear removes every agent.
func (p *Population) Clear() {
	clear(p.agents)
	p.agents = p.agents[:0]
	p.slot = p.slot[:0]
	for i := range p.buckets {
		p.buckets[i] = p.buckets[i][:0]
	}
}

// Agents returns the arena. The slice must not be modified.
func (p *Population) Agents() []Agent { return p.agents }

// Buckets returns a copy of the phenotype index.
func (p *Population) Buckets() [][]int {
	out := make([][]int, len(p.buckets))
	for i, b := range p.buckets {
		out[i] = append([]int{}, b...)
	}
	return out
}

// Restore rebuilds a population from a saved arena and phenotype index.
// The index must list every agent exactly once, in the bucket of its
// phenotype.
func Restore(agents []Agent, buckets [][]int, nPhe, capacity int) (*Population, error) {
	if len(buckets) != nPhe {
		return nil, fmt.Errorf("%w: %d buckets, want %d", ErrInconsistent, len(buckets), nPhe)
	}
	if capacity < len(agents) {
		capacity = len(agents)
	}
	p := NewPopulation(nPhe, capacity)
	p.agents = append(p.agents, agents...)
	p.slot = p.slot[:len(agents)]
	for i := range p.slot {
		p.slot[i] = -1
	}

	for phe, b := range buckets {
		p.buckets[phe] = append(make([]int, 0, len(b)), b...)
		for k, i := range b {
			if i < 0 || i >= len(agents) {
				return nil, fmt.Errorf("%w: index %d out of range", ErrInconsistent, i)
			}
			if agents[i].Phenotype != phe {
				return nil, fmt.Errorf("%w: agent %d has phenotype %d but is listed under %d",
					ErrInconsistent, i, agents[i].Phenotype, phe)
			}
			if p.slot[i] != -1 {
				return nil, fmt.Errorf("%w: agent %d listed twice", ErrInconsistent, i)
			}
			p.slot[i] = k
		}
	}
	for i, k := range p.slot {
		if k == -1 {
			return nil, fmt.Errorf("%w: agent %d missing from index", ErrInconsistent, i)
		}
	}
	return p, nil
}
