// Package ipmi drives chassis fans through a Dell-style BMC using the
// OEM raw fan commands understood by ipmitool.
package ipmi

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"codeberg.org/mutker/bmcfanctl/internal/logger"
)

// Binary is the tool every command is issued through.
const Binary = "ipmitool"

const (
	ErrCommandFailed   = errors.ErrorCode("ipmi_command_failed")
	ErrInvalidFanSpeed = errors.ErrorCode("ipmi_invalid_fan_speed")
)

var (
	manualControlArgs = []string{"raw", "0x30", "0x30", "0x01", "0x00"}
	autoControlArgs   = []string{"raw", "0x30", "0x30", "0x01", "0x01"}
	fanSpeedArgs      = []string{"raw", "0x30", "0x30", "0x02", "0xff"}
)

// Sink is the hardware side of the control loop. Neither call can be
// queried afterwards; the caller is the only record of what was requested.
type Sink interface {
	SetManualControl(ctx context.Context, enabled bool) error
	SetFanSpeed(ctx context.Context, percent int) error
}

// Runner executes one ipmitool invocation.
type Runner func(ctx context.Context, name string, args ...string) error

// ExecRunner runs the command and folds its stderr into the error.
func ExecRunner(ctx context.Context, name string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}

	return nil
}

// Remote selects a network BMC instead of the local interface.
type Remote struct {
	Host     string
	User     string
	Password string
}

type Tool struct {
	run    Runner
	remote Remote
	logger logger.Logger
}

type Option func(*Tool)

// WithRunner replaces command execution, mainly for tests.
func WithRunner(run Runner) Option {
	return func(t *Tool) {
		t.run = run
	}
}

// WithRemote sends every command over lanplus to the given BMC.
func WithRemote(remote Remote) Option {
	return func(t *Tool) {
		t.remote = remote
	}
}

func New(log logger.Logger, opts ...Option) *Tool {
	t := &Tool{
		run:    ExecRunner,
		logger: log,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) SetManualControl(ctx context.Context, enabled bool) error {
	args := autoControlArgs
	mode := "automatic"
	if enabled {
		args = manualControlArgs
		mode = "manual"
	}

	if err := t.exec(ctx, args...); err != nil {
		return err
	}
	t.logger.Debug().Str("mode", mode).Msg("Fan control mode set")

	return nil
}

func (t *Tool) SetFanSpeed(ctx context.Context, percent int) error {
	errFactory := errors.New()

	if percent < 0 || percent > 100 {
		return errFactory.WithData(ErrInvalidFanSpeed, percent)
	}

	args := append(append([]string{}, fanSpeedArgs...), SpeedByte(percent))
	if err := t.exec(ctx, args...); err != nil {
		return err
	}
	t.logger.Debug().Int("fan_speed", percent).Msg("Fan speed set")

	return nil
}

func (t *Tool) exec(ctx context.Context, args ...string) error {
	errFactory := errors.New()

	full := args
	if t.remote.Host != "" {
		full = append([]string{
			"-I", "lanplus",
			"-H", t.remote.Host,
			"-U", t.remote.User,
			"-P", t.remote.Password,
		}, args...)
	}

	if err := t.run(ctx, Binary, full...); err != nil {
		return errFactory.Wrap(ErrCommandFailed, err).WithData(strings.Join(args, " "))
	}

	return nil
}

// SpeedByte encodes a 0-100 percentage as the command's hex operand.
func SpeedByte(percent int) string {
	return fmt.Sprintf("0x%02X", percent)
}
