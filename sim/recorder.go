package sim

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pthm-cable/mutare/config"
	"github.com/pthm-cable/mutare/telemetry"
)

// crashFraction is the population drop, relative to its recent peak, that
// is bookmarked as a crash.
const crashFraction = 0.5

// Recorder drives an engine file by file. It takes a record every
// steps_per_save events and finalizes an output file every steps_per_file
// events.
type Recorder struct {
	eng          *Engine
	out          *telemetry.ChunkWriter
	stepsPerFile int
	stepsPerSave uint64

	collector *telemetry.Collector
	detector  *telemetry.BookmarkDetector
	metrics   *telemetry.Metrics
	stats     telemetry.StatsBuffer
	logger    *slog.Logger
}

// NewRecorder creates a recorder writing output files into dir. The first
// file has index file; the engine must be at the start of that file.
// metrics may be nil.
func NewRecorder(eng *Engine, out config.OutputConfig, dir string, file int, metrics *telemetry.Metrics, logger *slog.Logger) (*Recorder, error) {
	if out.StepsPerSave < 1 || out.StepsPerFile%out.StepsPerSave != 0 {
		return nil, fmt.Errorf("%w: steps_per_file %d is not a multiple of steps_per_save %d",
			config.ErrInvalid, out.StepsPerFile, out.StepsPerSave)
	}
	if want := uint64(file) * uint64(out.StepsPerFile); eng.Events() != want {
		return nil, fmt.Errorf("%w: engine at event %d, file %d starts at event %d",
			telemetry.ErrCorruptState, eng.Events(), file, want)
	}
	if logger == nil {
		logger = slog.Default()
	}
	saves := out.StepsPerFile / out.StepsPerSave
	return &Recorder{
		eng:          eng,
		out:          telemetry.NewChunkWriter(dir, file, saves),
		stepsPerFile: out.StepsPerFile,
		stepsPerSave: uint64(out.StepsPerSave),
		collector:    telemetry.NewCollector(file),
		detector:     telemetry.NewBookmarkDetector(crashFraction),
		metrics:      metrics,
		logger:       logger,
	}, nil
}

// Files returns the number of finalized output files.
func (r *Recorder) Files() int { return r.out.Index() }

// Observe builds the record of the current state. dt is the waiting time to
// the next event.
func (r *Recorder) Observe(dt float64) telemetry.Record {
	e := r.eng
	ps := r.stats.Compute(e.pop.Agents(), e.nPhe)
	return telemetry.Record{
		Step:           e.events,
		Time:           e.time,
		TimeStep:       dt,
		Env:            e.env.State(),
		NAgents:        e.pop.Len(),
		GrowthRate:     e.GrowthRate(),
		NExtinct:       e.extinctions,
		AvgStratPhe:    ps.AvgStrat,
		StdDevStratPhe: ps.StdDevStrat,
		DistPhe:        ps.DistPhe,
	}
}

// RunFile simulates one output file worth of events and finalizes the file.
// On error, including ErrAbsorbed, the records of the open file are
// discarded.
func (r *Recorder) RunFile() (telemetry.ChunkStats, error) {
	e := r.eng
	for i := 0; i < r.stepsPerFile; i++ {
		ev, err := e.Next()
		if err != nil {
			r.abort()
			return telemetry.ChunkStats{}, err
		}

		// Observed after drawing the waiting time, before applying the event.
		if e.events%r.stepsPerSave == 0 {
			rec := r.Observe(ev.DT)
			r.out.Add(rec)
			r.collector.RecordSave()
			for _, b := range r.detector.Check(rec) {
				b.LogBookmark(r.logger)
			}
		}

		extinctions := e.extinctions
		if err := e.Apply(ev); err != nil {
			r.abort()
			return telemetry.ChunkStats{}, err
		}
		switch ev.Kind {
		case EventEnv:
			r.collector.RecordEnv()
		case EventBirth:
			r.collector.RecordBirth()
		case EventDeath:
			r.collector.RecordDeath()
		}
		if e.extinctions != extinctions {
			r.collector.RecordExtinction()
		}
	}

	path, err := r.out.Finalize()
	if err != nil {
		r.abort()
		return telemetry.ChunkStats{}, err
	}
	stats := r.collector.Flush(e.events, e.time, e.pop.Len())
	r.metrics.AddChunk(stats)
	r.logger.Debug("output file written", "path", path)
	return stats, nil
}

// Run simulates up to files output files, calling onFile after each one.
// Cancellation is checked between files only; an event is never interrupted.
func (r *Recorder) Run(ctx context.Context, files int, onFile func(telemetry.ChunkStats) error) error {
	for i := 0; i < files; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats, err := r.RunFile()
		if err != nil {
			return err
		}
		if onFile != nil {
			if err := onFile(stats); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Recorder) abort() {
	r.out.Discard()
	r.collector.Reset()
}
