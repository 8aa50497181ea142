package rng

import "gonum.org/v1/gonum/floats"

// Simplex draws a probability vector uniformly over the (n-1)-simplex
// (flat Dirichlet) from n exponential draws.
func (s *Stream) Simplex(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = s.r.ExpFloat64()
	}
	floats.Scale(1/floats.Sum(v), v)
	return v
}

// NormalizedUniform draws n independent uniforms and scales them to sum to 1.
// The result is not uniform over the simplex; it biases toward the centre.
func (s *Stream) NormalizedUniform(n int) []float64 {
	v := make([]float64, n)
	var sum float64
	for sum == 0 {
		for i := range v {
			v[i] = s.r.Float64()
		}
		sum = floats.Sum(v)
	}
	floats.Scale(1/sum, v)
	return v
}
