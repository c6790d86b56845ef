package engine

import (
	"time"

	"codeberg.org/mutker/bmcfanctl/internal/telemetry"
)

type ControlState int

const (
	Automatic ControlState = iota
	ManualActive
	ManualIdlePending
)

func (s ControlState) String() string {
	switch s {
	case Automatic:
		return "Automatic"
	case ManualActive:
		return "ManualActive"
	case ManualIdlePending:
		return "ManualIdlePending"
	default:
		return "Unknown"
	}
}

// Manual reports whether fan speed is ours to set.
func (s ControlState) Manual() bool {
	return s == ManualActive || s == ManualIdlePending
}

// Aggregate is the hottest non-ignored GPU seen in one tick.
// Valid is false until the first usable record arrives.
type Aggregate struct {
	Index       int
	Name        string
	Temperature int
	Utilization int
	Valid       bool
}

// Snapshot is a copy of the engine's decision state.
type Snapshot struct {
	State             ControlState
	ManualActivatedAt time.Time
	IdleReachedAt     time.Time
	Aggregate         Aggregate
	FanSpeed          int
	Failed            bool
}

// Collect reduces one tick's raw lines to the hottest GPU. Ignored GPUs
// never count. When no line yields a usable record, prev is returned
// unchanged so a gap in delivery does not read as a cool-down. Lines that
// fail to parse are returned as errors and otherwise skipped.
func Collect(lines []string, ignored func(index int) bool, prev Aggregate) (Aggregate, []error) {
	var (
		agg  Aggregate
		errs []error
	)

	for _, line := range lines {
		rec, err := telemetry.ParseLine(line)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ignored != nil && ignored(rec.Index) {
			continue
		}
		if !agg.Valid || rec.Temperature > agg.Temperature {
			agg = Aggregate{
				Index:       rec.Index,
				Name:        rec.Name,
				Temperature: rec.Temperature,
				Utilization: rec.Utilization,
				Valid:       true,
			}
		}
	}

	if !agg.Valid {
		return prev, errs
	}
	return agg, errs
}
