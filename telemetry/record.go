// Package telemetry provides run records, output files, checkpoints and metrics.
package telemetry

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Record is one observation of a run, taken every steps_per_save events.
type Record struct {
	Step       uint64  `csv:"step"`        // events applied so far
	Time       float64 `csv:"time"`        // simulated time
	TimeStep   float64 `csv:"time_step"`   // waiting time to the next event
	Env        int     `csv:"env"`         // environment state
	NAgents    int     `csv:"n_agents"`    // population size
	GrowthRate float64 `csv:"growth_rate"` // (total birth - total death) / n_agents
	NExtinct   uint64  `csv:"n_extinct"`   // cumulative extinctions

	AvgStratPhe    Vector `csv:"avg_strat_phe"`     // mean strategy
	StdDevStratPhe Vector `csv:"std_dev_strat_phe"` // per-component population std
	DistPhe        Vector `csv:"dist_phe"`          // fraction of agents per phenotype
}

// Vector is a float vector stored in a single CSV cell as ';'-separated values.
type Vector []float64

// MarshalCSV implements gocsv.TypeMarshaller.
func (v Vector) MarshalCSV() (string, error) {
	var sb strings.Builder
	for i, x := range v {
		if i > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	}
	return sb.String(), nil
}

// UnmarshalCSV implements gocsv.TypeUnmarshaller.
func (v *Vector) UnmarshalCSV(s string) error {
	if s == "" {
		*v = Vector{}
		return nil
	}
	parts := strings.Split(s, ";")
	out := make(Vector, len(parts))
	for i, p := range parts {
		x, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return fmt.Errorf("vector component %d: %w", i, err)
		}
		out[i] = x
	}
	*v = out
	return nil
}

// LogValue implements slog.LogValuer for structured logging.
func (r Record) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("step", r.Step),
		slog.Float64("time", r.Time),
		slog.Int("env", r.Env),
		slog.Int("n_agents", r.NAgents),
		slog.Float64("growth_rate", r.GrowthRate),
		slog.Uint64("n_extinct", r.NExtinct),
		slog.Any("avg_strat_phe", []float64(r.AvgStratPhe)),
	)
}
