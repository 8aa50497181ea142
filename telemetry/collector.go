package telemetry

import (
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
)

// ChunkStats summarizes the events of one output file.
type ChunkStats struct {
	File int

	EnvEvents   uint64
	Births      uint64
	Deaths      uint64
	Extinctions uint64
	Records     int

	// State at the end of the file
	Events  uint64
	Time    float64
	NAgents int

	Wall time.Duration
}

// EventsPerSec returns the wall-clock event throughput of the file.
func (s ChunkStats) EventsPerSec() float64 {
	if s.Wall <= 0 {
		return 0
	}
	return float64(s.EnvEvents+s.Births+s.Deaths) / s.Wall.Seconds()
}

// LogValue implements slog.LogValuer for structured logging.
func (s ChunkStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("file", s.File),
		slog.String("events", humanize.Comma(int64(s.Events))),
		slog.Float64("time", s.Time),
		slog.Int("n_agents", s.NAgents),
		slog.Uint64("env_events", s.EnvEvents),
		slog.Uint64("births", s.Births),
		slog.Uint64("deaths", s.Deaths),
		slog.Uint64("extinctions", s.Extinctions),
		slog.Int("records", s.Records),
		slog.Duration("wall", s.Wall),
		slog.String("events_per_sec", humanize.SIWithDigits(s.EventsPerSec(), 1, "")),
	)
}

// Collector accumulates event counts for the open output file.
type Collector struct {
	file  int
	start time.Time

	envEvents   uint64
	births      uint64
	deaths      uint64
	extinctions uint64
	records     int
}

// NewCollector creates a collector whose first window is output file file.
func NewCollector(file int) *Collector {
	return &Collector{file: file, start: time.Now()}
}

// RecordEnv records an environment transition.
func (c *Collector) RecordEnv() { c.envEvents++ }

// RecordBirth records a birth.
func (c *Collector) RecordBirth() { c.births++ }

// RecordDeath records a death.
func (c *Collector) RecordDeath() { c.deaths++ }

// RecordExtinction records an extinction.
func (c *Collector) RecordExtinction() { c.extinctions++ }

// RecordSave records an observation record.
func (c *Collector) RecordSave() { c.records++ }

// Flush produces the stats of the finished file and resets the counters for
// the next one.
func (c *Collector) Flush(events uint64, simTime float64, nAgents int) ChunkStats {
	now := time.Now()
	stats := ChunkStats{
		File:        c.file,
		EnvEvents:   c.envEvents,
		Births:      c.births,
		Deaths:      c.deaths,
		Extinctions: c.extinctions,
		Records:     c.records,
		Events:      events,
		Time:        simTime,
		NAgents:     nAgents,
		Wall:        now.Sub(c.start),
	}

	c.file++
	c.start = now
	c.envEvents = 0
	c.births = 0
	c.deaths = 0
	c.extinctions = 0
	c.records = 0

	return stats
}

// Reset drops the counts of the open file without advancing.
func (c *Collector) Reset() {
	c.start = time.Now()
	c.envEvents = 0
	c.births = 0
	c.deaths = 0
	c.extinctions = 0
	c.records = 0
}
