package journal

import (
	"context"
	"time"
)

// Recorder is what the control loop writes events to
type Recorder interface {
	Record(ctx context.Context, event *Event) error
	Close() error
}

// Repository defines the interface for event storage
type Repository interface {
	Record(event *Event) error
	Session() string
	Close() error
}

// Kind names a control decision or its outcome
type Kind string

const (
	KindTakeControl       Kind = "take_control"
	KindIdleReached       Kind = "idle_reached"
	KindRearm             Kind = "rearm"
	KindReleaseControl    Kind = "release_control"
	KindSetFanSpeedFailed Kind = "set_fan_speed_failed"
	KindFinalRelease      Kind = "final_release"
)

// Event is one control decision and the GPU reading that caused it
type Event struct {
	Timestamp   time.Time
	Kind        Kind
	State       string
	GPUIndex    int
	GPUName     string
	Temperature int
	Utilization int
	FanSpeed    int
	Success     bool
	Detail      string
}
