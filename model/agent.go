// Package model holds the state of one run: the switching environment and the
// population of agents.
package model

// Strategy is a probability distribution over phenotypes, used when an agent
// reproduces. A strategy assigned to an agent is never modified in place, so
// offspring may share their parent's slice.
type Strategy []float64

// Agent is one member of the population. Agents have no identity beyond
// their slot in the population.
type Agent struct {
	Phenotype int      `json:"phe"`
	Strategy  Strategy `json:"strat"`
}
