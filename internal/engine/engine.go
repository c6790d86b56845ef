// Package engine runs the fan control state machine: it turns queued GPU
// telemetry into take-control, fan speed, and release decisions.
package engine

import (
	"context"
	"time"

	"codeberg.org/mutker/bmcfanctl/internal/config"
	"codeberg.org/mutker/bmcfanctl/internal/curve"
	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"codeberg.org/mutker/bmcfanctl/internal/ipmi"
	"codeberg.org/mutker/bmcfanctl/internal/journal"
	"codeberg.org/mutker/bmcfanctl/internal/logger"
	"github.com/cenkalti/backoff/v4"
)

// Lines is the consumer side of the telemetry queue.
type Lines interface {
	Drain() []string
}

// Producer is the telemetry reader as seen from the control loop.
type Producer interface {
	Stop()
	Done() <-chan struct{}
}

type Engine struct {
	cfg      *config.Config
	curve    *curve.Curve
	sink     ipmi.Sink
	lines    Lines
	producer Producer
	recorder journal.Recorder
	logger   logger.Logger
	now      func() time.Time
	backOff  func() backoff.BackOff

	state             ControlState
	manualActivatedAt time.Time
	idleReachedAt     time.Time
	agg               Aggregate
	fanSpeed          int
	failed            bool
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithRecorder(rec journal.Recorder) Option {
	return func(e *Engine) {
		e.recorder = rec
	}
}

// WithBackOff sets the retry policy for releasing control.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(e *Engine) {
		e.backOff = newBackOff
	}
}

func New(
	cfg *config.Config,
	fanCurve *curve.Curve,
	sink ipmi.Sink,
	lines Lines,
	producer Producer,
	log logger.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		cfg:      cfg,
		curve:    fanCurve,
		sink:     sink,
		lines:    lines,
		producer: producer,
		recorder: journal.Noop(),
		logger:   log,
		now:      time.Now,
		fanSpeed: -1,
	}
	e.backOff = e.releaseBackOff

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// releaseBackOff retries for up to the configured timeout; zero means a
// single attempt.
func (e *Engine) releaseBackOff() backoff.BackOff {
	timeout := e.cfg.RetryTimeout()
	if timeout <= 0 {
		return &backoff.StopBackOff{}
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = timeout
	return b
}

// Snapshot returns a copy of the current decision state.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		State:             e.state,
		ManualActivatedAt: e.manualActivatedAt,
		IdleReachedAt:     e.idleReachedAt,
		Aggregate:         e.agg,
		FanSpeed:          e.fanSpeed,
		Failed:            e.failed,
	}
}

// Tick drains the queue, applies at most one state transition and, while
// under manual control, sets the fan speed for the hottest GPU.
//
// A returned error is fatal: the reader has been asked to stop and no
// further control commands are issued until the final hand-back in Run.
func (e *Engine) Tick(ctx context.Context) error {
	lines := e.lines.Drain()
	if e.failed {
		return nil
	}

	agg, malformed := Collect(lines, e.cfg.IsIgnored, e.agg)
	for _, err := range malformed {
		e.logger.Warn().Err(err).Msg("Skipping malformed telemetry line")
	}
	e.agg = agg

	if !agg.Valid {
		return nil
	}

	if err := e.transition(ctx); err != nil {
		return e.fail(err)
	}

	if e.state.Manual() {
		if err := e.applyCurve(ctx); err != nil {
			return e.fail(err)
		}
	}

	return nil
}

func (e *Engine) transition(ctx context.Context) errors.Error {
	errFactory := errors.New()
	now := e.now()
	temp := e.agg.Temperature

	switch {
	case e.state == Automatic && temp >= e.cfg.ActivateThreshold:
		if err := e.sink.SetManualControl(ctx, true); err != nil {
			e.record(ctx, journal.KindTakeControl, false, err.Error())
			return errFactory.Wrap(errors.ErrTakeControl, err)
		}
		e.state = ManualActive
		e.manualActivatedAt = now
		e.fields(e.logger.Info()).Msg("Took manual fan control")
		e.record(ctx, journal.KindTakeControl, true, "")

	case e.state == ManualActive && temp <= e.cfg.IdleTempTarget:
		e.state = ManualIdlePending
		e.idleReachedAt = now
		e.fields(e.logger.Info()).
			Dur("handoff_after", e.cfg.HandoffInterval()).
			Msg("Idle temperature reached")
		e.record(ctx, journal.KindIdleReached, true, "")

	case e.state == ManualIdlePending && temp > e.cfg.IdleTempTarget:
		e.state = ManualActive
		e.idleReachedAt = time.Time{}
		e.fields(e.logger.Info()).Msg("Temperature rose above idle target, handoff cancelled")
		e.record(ctx, journal.KindRearm, true, "")

	case e.state == ManualIdlePending &&
		now.Sub(e.idleReachedAt) >= e.cfg.HandoffInterval() &&
		e.agg.Utilization <= e.cfg.IdleUtilizationThreshold:
		if err := e.release(ctx); err != nil {
			e.record(ctx, journal.KindReleaseControl, false, err.Error())
			return errFactory.Wrap(errors.ErrReleaseControl, err)
		}
		e.state = Automatic
		e.manualActivatedAt = time.Time{}
		e.idleReachedAt = time.Time{}
		e.fanSpeed = -1
		e.fields(e.logger.Info()).Msg("Returned fan control to the BMC")
		e.record(ctx, journal.KindReleaseControl, true, "")
	}

	return nil
}

func (e *Engine) applyCurve(ctx context.Context) errors.Error {
	speed := int(e.curve.Lookup(e.agg.Temperature))

	if err := e.sink.SetFanSpeed(ctx, speed); err != nil {
		e.record(ctx, journal.KindSetFanSpeedFailed, false, err.Error())
		return errors.New().Wrap(errors.ErrSetFanSpeed, err).WithData(speed)
	}

	if speed != e.fanSpeed {
		e.fields(e.logger.Info()).
			Int("fan_speed", speed).
			Int("previous_fan_speed", e.fanSpeed).
			Msg("Fan speed changed")
	}
	e.fanSpeed = speed

	return nil
}

// release hands control back to the BMC, retrying per the release backoff.
func (e *Engine) release(ctx context.Context) error {
	attempt := 0
	op := func() error {
		attempt++
		err := e.sink.SetManualControl(ctx, false)
		if err != nil {
			e.logger.Warn().Err(err).Int("attempt", attempt).Msg("Release of fan control failed")
		}
		return err
	}

	return backoff.Retry(op, backoff.WithContext(e.backOff(), ctx))
}

func (e *Engine) fail(err errors.Error) error {
	e.failed = true
	e.fields(e.logger.ErrorWithCode(err)).
		Msg("Fan control failed, shutting down")
	e.producer.Stop()
	return err
}

// Run ticks until the reader reports Done, then returns control to the BMC
// and yields the process exit code: 0 only if that final release succeeded.
// Cancelling ctx asks the reader to stop; ticking continues until it has.
func (e *Engine) Run(ctx context.Context) int {
	tickCtx := context.WithoutCancel(ctx)

	ticker := time.NewTicker(e.cfg.Tick())
	defer ticker.Stop()

	cancelled := ctx.Done()
	for {
		select {
		case <-e.producer.Done():
			return e.handBack(tickCtx)
		case <-cancelled:
			e.logger.Info().Msg("Shutdown requested, waiting for telemetry to drain")
			e.producer.Stop()
			cancelled = nil
		case <-ticker.C:
			_ = e.Tick(tickCtx)
		}
	}
}

func (e *Engine) handBack(ctx context.Context) int {
	e.logger.Info().
		Str("state", e.state.String()).
		Msg("Telemetry stopped, returning fan control to the BMC")

	if err := e.release(ctx); err != nil {
		e.record(ctx, journal.KindFinalRelease, false, err.Error())
		e.logger.ErrorWithCode(errors.New().Wrap(errors.ErrReleaseControl, err)).
			Msg("Final hand-back failed, fans may still be under manual control")
		return 1
	}

	e.state = Automatic
	e.manualActivatedAt = time.Time{}
	e.idleReachedAt = time.Time{}
	e.record(ctx, journal.KindFinalRelease, true, "")
	e.logger.Info().Msg("Fan control returned to the BMC")

	return 0
}

func (e *Engine) fields(ev *logger.LogEvent) *logger.LogEvent {
	ev.Str("state", e.state.String()).
		Int("gpu_index", e.agg.Index).
		Str("gpu_name", e.agg.Name).
		Int("temperature", e.agg.Temperature).
		Int("utilization", e.agg.Utilization)
	return ev
}

func (e *Engine) record(ctx context.Context, kind journal.Kind, success bool, detail string) {
	event := &journal.Event{
		Timestamp:   e.now(),
		Kind:        kind,
		State:       e.state.String(),
		GPUIndex:    e.agg.Index,
		GPUName:     e.agg.Name,
		Temperature: e.agg.Temperature,
		Utilization: e.agg.Utilization,
		FanSpeed:    e.fanSpeed,
		Success:     success,
		Detail:      detail,
	}

	if err := e.recorder.Record(ctx, event); err != nil {
		e.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Failed to journal control event")
	}
}
