package analysis

import (
	"fmt"

	"github.com/pthm-cable/mutare/telemetry"
)

// LoadRun reads the records of one run from its finalized output files, in
// file order. Every vector must have nPhe components and steps must increase.
func LoadRun(files []string, nPhe int) ([]telemetry.Record, error) {
	var records []telemetry.Record
	for _, f := range files {
		recs, err := telemetry.ReadRecords(f)
		if err != nil {
			return nil, err
		}
		for i, r := range recs {
			if len(r.AvgStratPhe) != nPhe || len(r.StdDevStratPhe) != nPhe || len(r.DistPhe) != nPhe {
				return nil, fmt.Errorf("%w: %s record %d: vector length does not match %d phenotypes",
					telemetry.ErrCorruptState, f, i, nPhe)
			}
			if n := len(records); n > 0 && r.Step <= records[n-1].Step {
				return nil, fmt.Errorf("%w: %s record %d: step %d does not follow %d",
					telemetry.ErrCorruptState, f, i, r.Step, records[n-1].Step)
			}
			records = append(records, r)
		}
	}
	return records, nil
}
