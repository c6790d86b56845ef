// Package curve maps GPU temperature to chassis fan speed.
//
// Both axes are geometrically spaced, so equal temperature steps near the
// ceiling buy larger speed steps than the same steps near activation.
package curve

import (
	"math"
	"sort"

	"codeberg.org/mutker/bmcfanctl/internal/errors"
)

const (
	DefaultResolution = 512
	MaxSpeed          = 100

	ErrInvalidRange = errors.ErrorCode("curve_invalid_range")
)

// FanSpeed is a fan duty cycle in percent.
type FanSpeed int

type Breakpoint struct {
	Temperature float64
	Speed       float64
}

// Curve is immutable once built and safe for concurrent reads.
type Curve struct {
	points []Breakpoint
}

type rangeError struct {
	Activate, Max, MinSpeed, Resolution int
	Reason                              string
}

// New builds a curve from activate..max degrees onto minSpeed..100 percent.
func New(activate, max, minSpeed, resolution int) (*Curve, error) {
	errFactory := errors.New()

	invalid := func(reason string) error {
		return errFactory.WithData(ErrInvalidRange, rangeError{
			Activate:   activate,
			Max:        max,
			MinSpeed:   minSpeed,
			Resolution: resolution,
			Reason:     reason,
		})
	}

	switch {
	case activate >= max:
		return nil, invalid("activation threshold must be below the max temperature")
	case minSpeed >= MaxSpeed:
		return nil, invalid("minimum fan speed must be below 100")
	case activate <= 0 || minSpeed <= 0:
		return nil, invalid("thresholds must be positive")
	case resolution < 2:
		return nil, invalid("resolution must be at least 2")
	}

	temps := geomspace(float64(activate), float64(max), resolution)
	speeds := geomspace(float64(minSpeed), MaxSpeed, resolution)

	points := make([]Breakpoint, resolution)
	for i := range points {
		points[i] = Breakpoint{Temperature: temps[i], Speed: speeds[i]}
	}

	return &Curve{points: points}, nil
}

// Lookup returns the speed of the first breakpoint at or above temperature,
// or the top speed when temperature is past the last breakpoint.
func (c *Curve) Lookup(temperature int) FanSpeed {
	t := float64(temperature)
	i := sort.Search(len(c.points), func(i int) bool {
		return c.points[i].Temperature >= t
	})
	if i == len(c.points) {
		i = len(c.points) - 1
	}

	return FanSpeed(c.points[i].Speed)
}

// Breakpoints returns a copy of the curve.
func (c *Curve) Breakpoints() []Breakpoint {
	points := make([]Breakpoint, len(c.points))
	copy(points, c.points)
	return points
}

// geomspace returns n values from start to stop spaced evenly on a log
// scale, with both endpoints exact.
func geomspace(start, stop float64, n int) []float64 {
	values := make([]float64, n)
	logStart, logStop := math.Log(start), math.Log(stop)
	step := (logStop - logStart) / float64(n-1)

	for i := range values {
		values[i] = math.Exp(logStart + step*float64(i))
	}
	values[0] = start
	values[n-1] = stop

	return values
}
