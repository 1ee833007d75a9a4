package duration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_GracePeriods(t *testing.T) {
	// The typical inputs: stop_grace in the daemon config and the
	// ?grace= query parameter on container stop.
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "default stop grace", input: "10s", want: 10 * time.Second},
		{name: "immediate kill", input: "0", want: 0},
		{name: "zero with unit", input: "0s", want: 0},
		{name: "sub-second", input: "500ms", want: 500 * time.Millisecond},
		{name: "one minute", input: "1m", want: time.Minute},
		{name: "compound", input: "1m30s", want: 90 * time.Second},
		{name: "batch-job grace", input: "1h", want: time.Hour},

		// Long-lived retention style windows use the extended units.
		{name: "one day", input: "1d", want: Day},
		{name: "one week", input: "1w", want: Week},
		{name: "day and a half", input: "1d12h", want: Day + 12*time.Hour},
		{name: "whitespace trimmed", input: "  30s  ", want: 30 * time.Second},

		{name: "empty", input: "", wantErr: true},
		{name: "garbage", input: "banana", wantErr: true},
		{name: "unit without value", input: "s", wantErr: true},
		{name: "unknown unit", input: "10q", wantErr: true},
		{name: "negative day count", input: "-1d", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_ExtendedUnits(t *testing.T) {
	assert.Equal(t, 24*time.Hour, Day)
	assert.Equal(t, 7*Day, Week)
	assert.Equal(t, 30*Day, Month)
	assert.Equal(t, 365*Day, Year)

	got, err := Parse("2w3d")
	require.NoError(t, err)
	assert.Equal(t, 2*Week+3*Day, got)
}
