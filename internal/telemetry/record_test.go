package telemetry_test

import (
	"testing"

	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"codeberg.org/mutker/bmcfanctl/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want telemetry.Record
	}{
		{
			name: "nvidia-smi output",
			line: "0, Tesla P40, 62, 97\n",
			want: telemetry.Record{Index: 0, Name: "Tesla P40", Temperature: 62, Utilization: 97},
		},
		{
			name: "trailing whitespace per field",
			line: "1 , Tesla M40 24GB ,44 ,0 \r\n",
			want: telemetry.Record{Index: 1, Name: "Tesla M40 24GB", Temperature: 44, Utilization: 0},
		},
		{
			name: "comma inside name",
			line: "2, NVIDIA A100-SXM4-40GB, MIG, 70, 15",
			want: telemetry.Record{Index: 2, Name: "NVIDIA A100-SXM4-40GB, MIG", Temperature: 70, Utilization: 15},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := telemetry.ParseLine(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLineMalformed(t *testing.T) {
	lines := []string{
		"",
		"\n",
		"0, Tesla P40, 62",
		"zero, Tesla P40, 62, 97",
		"0, Tesla P40, [N/A], 97",
		"0, Tesla P40, 62, [Not Supported]",
	}

	for _, line := range lines {
		_, err := telemetry.ParseLine(line)
		require.Error(t, err, "line %q", line)
		assert.True(t, errors.HasCode(err, telemetry.ErrMalformedRecord))
	}
}

func TestFormatRoundTrip(t *testing.T) {
	rec := telemetry.Record{Index: 3, Name: "Tesla T4", Temperature: 51, Utilization: 8}

	got, err := telemetry.ParseLine(rec.Format())
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}
