package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleScenario = `start: 2024-06-03T09:00:00Z
tasks:
  - id: A
    title: Replace meter
    center: {lat: -34.603722, lon: -58.381592}
    radius_km: 0.3
    status: accepted
steps:
  - position: {latitude: -34.603722, longitude: -58.381592, accuracy_meters: 8}
  - after: 5m
`

func TestParseScenario(t *testing.T) {
	s, err := ParseScenario([]byte(sampleScenario))
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC), s.Start)
	require.Len(t, s.Tasks, 1)
	assert.Equal(t, "A", s.Tasks[0].ID)
	assert.Equal(t, "Replace meter", s.Tasks[0].Title)
	assert.InDelta(t, 0.3, s.Tasks[0].RadiusKm, 1e-9)
	assert.Nil(t, s.Tasks[0].TimeLimitMinutes)

	require.Len(t, s.Steps, 2)
	require.NotNil(t, s.Steps[0].Position)
	assert.InDelta(t, 8, s.Steps[0].Position.AccuracyMeters, 1e-9)
	assert.Equal(t, 5*time.Minute, s.Steps[1].After)
	assert.Nil(t, s.Steps[1].Position)
}

func TestParseScenario_DefaultStart(t *testing.T) {
	s, err := ParseScenario([]byte("steps:\n  - after: 1m\n"))
	require.NoError(t, err)
	assert.False(t, s.Start.IsZero())
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no steps",
			yaml:    "tasks: []\n",
			wantErr: "no steps",
		},
		{
			name:    "missing task id",
			yaml:    "tasks:\n  - radius_km: 1\nsteps:\n  - after: 1m\n",
			wantErr: "id is required",
		},
		{
			name:    "duplicate task id",
			yaml:    "tasks:\n  - id: A\n  - id: A\nsteps:\n  - after: 1m\n",
			wantErr: "duplicate id",
		},
		{
			name:    "negative after",
			yaml:    "steps:\n  - after: -1m\n",
			wantErr: "must not be negative",
		},
		{
			name:    "pause and resume",
			yaml:    "steps:\n  - pause: true\n    resume: true\n",
			wantErr: "exclusive",
		},
		{
			name:    "status for unknown task",
			yaml:    "steps:\n  - status: {X: completed}\n",
			wantErr: `unknown task "X"`,
		},
		{
			name:    "not yaml",
			yaml:    "steps: [",
			wantErr: "failed to parse scenario",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
