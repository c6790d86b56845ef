package ipmi_test

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"codeberg.org/mutker/bmcfanctl/internal/ipmi"
	"codeberg.org/mutker/bmcfanctl/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	calls []string
	err   error
}

func (r *recorder) run(_ context.Context, name string, args ...string) error {
	r.calls = append(r.calls, name+" "+strings.Join(args, " "))
	return r.err
}

func TestSetManualControl(t *testing.T) {
	rec := &recorder{}
	tool := ipmi.New(logger.Nop(), ipmi.WithRunner(rec.run))

	require.NoError(t, tool.SetManualControl(context.Background(), true))
	require.NoError(t, tool.SetManualControl(context.Background(), false))

	assert.Equal(t, []string{
		"ipmitool raw 0x30 0x30 0x01 0x00",
		"ipmitool raw 0x30 0x30 0x01 0x01",
	}, rec.calls)
}

func TestSetFanSpeed(t *testing.T) {
	rec := &recorder{}
	tool := ipmi.New(logger.Nop(), ipmi.WithRunner(rec.run))

	require.NoError(t, tool.SetFanSpeed(context.Background(), 0))
	require.NoError(t, tool.SetFanSpeed(context.Background(), 58))
	require.NoError(t, tool.SetFanSpeed(context.Background(), 100))

	assert.Equal(t, []string{
		"ipmitool raw 0x30 0x30 0x02 0xff 0x00",
		"ipmitool raw 0x30 0x30 0x02 0xff 0x3A",
		"ipmitool raw 0x30 0x30 0x02 0xff 0x64",
	}, rec.calls)
}

func TestSetFanSpeedOutOfRange(t *testing.T) {
	rec := &recorder{}
	tool := ipmi.New(logger.Nop(), ipmi.WithRunner(rec.run))

	for _, speed := range []int{-1, 101, 255} {
		err := tool.SetFanSpeed(context.Background(), speed)
		assert.True(t, errors.HasCode(err, ipmi.ErrInvalidFanSpeed), "speed %d", speed)
	}
	assert.Empty(t, rec.calls, "nothing reaches the BMC")
}

func TestCommandFailure(t *testing.T) {
	cause := stderrors.New("exit status 1: Unable to establish IPMI v2 / RMCP+ session")
	rec := &recorder{err: cause}
	tool := ipmi.New(logger.Nop(), ipmi.WithRunner(rec.run))

	err := tool.SetManualControl(context.Background(), true)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ipmi.ErrCommandFailed))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "raw 0x30 0x30 0x01 0x00")
}

func TestRemoteBMC(t *testing.T) {
	rec := &recorder{}
	tool := ipmi.New(logger.Nop(),
		ipmi.WithRunner(rec.run),
		ipmi.WithRemote(ipmi.Remote{Host: "10.0.0.5", User: "root", Password: "calvin"}),
	)

	require.NoError(t, tool.SetFanSpeed(context.Background(), 50))
	assert.Equal(t, []string{
		"ipmitool -I lanplus -H 10.0.0.5 -U root -P calvin raw 0x30 0x30 0x02 0xff 0x32",
	}, rec.calls)
}

func TestSpeedByte(t *testing.T) {
	assert.Equal(t, "0x00", ipmi.SpeedByte(0))
	assert.Equal(t, "0x0A", ipmi.SpeedByte(10))
	assert.Equal(t, "0x64", ipmi.SpeedByte(100))
}

func TestExecRunner(t *testing.T) {
	require.NoError(t, ipmi.ExecRunner(context.Background(), "/bin/sh", "-c", "exit 0"))

	err := ipmi.ExecRunner(context.Background(), "/bin/sh", "-c", "echo 'Invalid command' >&2; exit 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid command")
}
