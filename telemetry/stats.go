package telemetry

import (
	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/mutare/model"
)

// PopulationStats holds the strategy and phenotype statistics of a population.
type PopulationStats struct {
	AvgStrat    Vector
	StdDevStrat Vector
	DistPhe     Vector
}

// StatsBuffer computes population statistics, reusing its scratch column
// between calls.
type StatsBuffer struct {
	col []float64
}

// Compute returns the mean and population standard deviation of each strategy
// component, and the fraction of agents per phenotype. An empty population
// yields zero vectors.
func (b *StatsBuffer) Compute(agents []model.Agent, nPhe int) PopulationStats {
	ps := PopulationStats{
		AvgStrat:    make(Vector, nPhe),
		StdDevStrat: make(Vector, nPhe),
		DistPhe:     make(Vector, nPhe),
	}
	n := len(agents)
	if n == 0 {
		return ps
	}

	if cap(b.col) < n {
		b.col = make([]float64, n)
	}
	col := b.col[:n]
	for j := 0; j < nPhe; j++ {
		for i := range agents {
			col[i] = agents[i].Strategy[j]
		}
		ps.AvgStrat[j], ps.StdDevStrat[j] = stat.PopMeanStdDev(col, nil)
	}

	for i := range agents {
		ps.DistPhe[agents[i].Phenotype]++
	}
	for j := range ps.DistPhe {
		ps.DistPhe[j] /= float64(n)
	}
	return ps
}

// ComputePopulationStats is Compute with a fresh buffer.
func ComputePopulationStats(agents []model.Agent, nPhe int) PopulationStats {
	var b StatsBuffer
	return b.Compute(agents, nPhe)
}
