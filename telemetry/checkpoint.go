package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/pthm-cable/mutare/model"
	"github.com/pthm-cable/mutare/rng"
)

// CheckpointVersion is incremented when the format changes.
const CheckpointVersion = 1

// ErrCorruptState marks a checkpoint or output file that cannot be used to
// continue or analyze a run.
var ErrCorruptState = errors.New("corrupt run state")

// Checkpoint holds the complete state of a run between two output files.
type Checkpoint struct {
	Version   int `json:"version"`
	DrawOrder int `json:"draw_order"`

	RunID       uuid.UUID `json:"run_id"`
	Fingerprint string    `json:"fingerprint"`
	Seed        uint64    `json:"seed"`
	NEnv        int       `json:"n_env"`
	NPhe        int       `json:"n_phe"`
	SavedAt     time.Time `json:"saved_at"`

	// Files is the number of finalized output files; the next file has this index.
	Files int `json:"files"`

	Time        float64 `json:"time"`
	Events      uint64  `json:"events"`
	Extinctions uint64  `json:"extinctions"`
	Env         int     `json:"env"`

	Agents  []model.Agent `json:"agents"`
	Buckets [][]int       `json:"buckets"`

	// RNG is the marshalled generator state.
	RNG []byte `json:"rng"`
}

// Validate checks the structural invariants of a decoded checkpoint.
// Violations wrap ErrCorruptState.
func (c *Checkpoint) Validate() error {
	switch {
	case c.Version != CheckpointVersion:
		return fmt.Errorf("%w: checkpoint version %d, want %d", ErrCorruptState, c.Version, CheckpointVersion)
	case c.DrawOrder != rng.DrawOrderVersion:
		return fmt.Errorf("%w: draw order version %d, want %d", ErrCorruptState, c.DrawOrder, rng.DrawOrderVersion)
	case c.NEnv < 1 || c.NPhe < 1:
		return fmt.Errorf("%w: dimensions (%d, %d)", ErrCorruptState, c.NEnv, c.NPhe)
	case c.Env < 0 || c.Env >= c.NEnv:
		return fmt.Errorf("%w: environment %d out of range", ErrCorruptState, c.Env)
	case c.Files < 0:
		return fmt.Errorf("%w: negative file count", ErrCorruptState)
	case c.Time < 0:
		return fmt.Errorf("%w: negative time", ErrCorruptState)
	case len(c.RNG) == 0:
		return fmt.Errorf("%w: missing generator state", ErrCorruptState)
	case len(c.Buckets) != c.NPhe:
		return fmt.Errorf("%w: %d phenotype buckets, want %d", ErrCorruptState, len(c.Buckets), c.NPhe)
	}
	for i, a := range c.Agents {
		if a.Phenotype < 0 || a.Phenotype >= c.NPhe || len(a.Strategy) != c.NPhe {
			return fmt.Errorf("%w: agent %d malformed", ErrCorruptState, i)
		}
	}
	return nil
}

// SaveCheckpoint writes a checkpoint to path. The new file is written and
// synced next to the old one and then renamed over it, so path always holds
// a complete checkpoint.
func SaveCheckpoint(cp *Checkpoint, path string) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return writeFileAtomic(path, data)
}

// LoadCheckpoint reads and validates a checkpoint.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal checkpoint %s: %w", ErrCorruptState, path, err)
	}
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return &cp, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp) // no-op after a successful rename

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return syncDir(dir)
}

// syncDir flushes a directory so that a rename inside it is durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory: %w", err)
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("sync directory %s: %w", dir, err)
	}
	return nil
}
