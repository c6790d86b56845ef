package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	f := errors.New()

	assert.Equal(t, "Failed to set fan speed", f.New(errors.ErrSetFanSpeed).Error())
	assert.Equal(t, "custom", f.WithMessage(errors.ErrSetFanSpeed, "custom").Error())
	assert.Equal(t, "Invalid configuration: bad value", f.WithData(errors.ErrInvalidConfig, "bad value").Error())
	assert.Equal(t, "unknown_code", f.New(errors.ErrorCode("unknown_code")).Error())
}

func TestWrapUnwrap(t *testing.T) {
	cause := stderrors.New("exit status 1")
	err := errors.New().Wrap(errors.ErrTakeControl, cause)

	assert.Equal(t, "Failed to take manual fan control: exit status 1", err.Error())
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, errors.ErrTakeControl, err.Code())
}

func TestHasCode(t *testing.T) {
	f := errors.New()
	inner := f.New(errors.ErrMissingDependency)
	outer := f.Wrap(errors.ErrInitFailed, fmt.Errorf("startup: %w", inner))

	assert.True(t, errors.HasCode(outer, errors.ErrInitFailed))
	assert.False(t, errors.HasCode(stderrors.New("plain"), errors.ErrInitFailed))
	assert.False(t, errors.HasCode(nil, errors.ErrInitFailed))
	assert.True(t, errors.HasCode(inner, errors.ErrMissingDependency))
}
