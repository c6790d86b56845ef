package engine_test

import (
	"testing"

	"codeberg.org/mutker/bmcfanctl/internal/engine"
	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"codeberg.org/mutker/bmcfanctl/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ignoring(indices ...int) func(int) bool {
	return func(index int) bool {
		for _, i := range indices {
			if i == index {
				return true
			}
		}
		return false
	}
}

func TestCollectPicksHottest(t *testing.T) {
	agg, errs := engine.Collect([]string{
		"0, NVIDIA A100-SXM4-40GB, 51, 10\n",
		"1, NVIDIA A100-SXM4-40GB, 67 , 80 \n",
		"2, NVIDIA A100-SXM4-40GB, 59, 99\n",
	}, nil, engine.Aggregate{})

	assert.Empty(t, errs)
	assert.Equal(t, engine.Aggregate{
		Index:       1,
		Name:        "NVIDIA A100-SXM4-40GB",
		Temperature: 67,
		Utilization: 80,
		Valid:       true,
	}, agg)
}

func TestCollectTieKeepsFirst(t *testing.T) {
	agg, _ := engine.Collect([]string{
		"3, GPU, 60, 1",
		"4, GPU, 60, 2",
	}, nil, engine.Aggregate{})

	assert.Equal(t, 3, agg.Index)
	assert.Equal(t, 1, agg.Utilization)
}

func TestCollectIgnoresHottestIgnoredGPU(t *testing.T) {
	agg, _ := engine.Collect([]string{
		"0, GPU, 40, 0",
		"1, GPU, 99, 100",
	}, ignoring(1), engine.Aggregate{})

	assert.Equal(t, 0, agg.Index)
	assert.Equal(t, 40, agg.Temperature)
}

func TestCollectSticky(t *testing.T) {
	prev := engine.Aggregate{Index: 2, Name: "GPU", Temperature: 71, Utilization: 33, Valid: true}

	tests := []struct {
		name      string
		lines     []string
		malformed int
	}{
		{name: "empty batch", lines: nil},
		{name: "only ignored GPUs", lines: []string{"5, GPU, 30, 0"}},
		{name: "only malformed lines", lines: []string{"", "0, GPU, hot, 0", "0, GPU"}, malformed: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg, errs := engine.Collect(tt.lines, ignoring(5), prev)
			assert.Equal(t, prev, agg)
			assert.Len(t, errs, tt.malformed)
		})
	}
}

func TestCollectSkipsMalformed(t *testing.T) {
	agg, errs := engine.Collect([]string{
		"not, a, record",
		"0, GPU, 55, 7",
	}, nil, engine.Aggregate{})

	require.Len(t, errs, 1)
	assert.True(t, errors.HasCode(errs[0], telemetry.ErrMalformedRecord))
	assert.Equal(t, 55, agg.Temperature)
}
