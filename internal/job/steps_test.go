package job

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeStepsSparseMaps(t *testing.T) {
	t.Parallel()

	steps, err := NormalizeSteps(json.RawMessage(`{"timestamps":{"1":2.5,"0":0},"prompts":{"0":"a","1":"b"}}`))
	require.NoError(t, err)
	require.NotNil(t, steps)
	require.Equal(t, 2, steps.StepCount)
	require.Equal(t, []float64{0, 2.5}, steps.Timestamps)
	require.Equal(t, []string{"a", "b"}, steps.Prompts)
}

func TestNormalizeStepsNumericKeyOrder(t *testing.T) {
	t.Parallel()

	steps, err := NormalizeSteps(json.RawMessage(`{"timestamps":{"10":9,"2":1,"1":0.5,"x":7}}`))
	require.NoError(t, err)
	require.Equal(t, []float64{0.5, 1, 9}, steps.Timestamps)
	require.Equal(t, 3, steps.StepCount)
	require.Empty(t, steps.Prompts)
}

func TestNormalizeStepsArrays(t *testing.T) {
	t.Parallel()

	steps, err := NormalizeSteps(json.RawMessage(`{"stepCount":3,"timestamps":[0,2,"4"],"prompts":["circle","ears","eyes"]}`))
	require.NoError(t, err)
	require.Equal(t, 3, steps.StepCount)
	require.Equal(t, []float64{0, 2, 4}, steps.Timestamps)
	require.Equal(t, []string{"circle", "ears", "eyes"}, steps.Prompts)
}

func TestNormalizeStepsCountFallbacks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		payload    string
		wantCount  int
		wantTimes  []float64
		wantPrompt []string
	}{
		{"prompts only", `{"prompts":["a","b","c"]}`, 3, nil, []string{"a", "b", "c"}},
		{"explicit count pads", `{"stepCount":"3","timestamps":[1]}`, 3, []float64{1, 0, 0}, nil},
		{"explicit count truncates", `{"stepCount":1,"prompts":["a","b"]}`, 1, nil, []string{"a"}},
		{"zero count falls back", `{"stepCount":0,"timestamps":[0,1]}`, 2, []float64{0, 1}, nil},
		{"negative offsets", `{"timestamps":[-3,2]}`, 2, []float64{0, 2}, nil},
		{"empty", `{}`, 0, nil, nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			steps, err := NormalizeSteps(json.RawMessage(tt.payload))
			require.NoError(t, err)
			require.Equal(t, tt.wantCount, steps.StepCount)
			require.Equal(t, tt.wantTimes, steps.Timestamps)
			require.Equal(t, tt.wantPrompt, steps.Prompts)
		})
	}
}

func TestNormalizeStepsAbsentAndMalformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "null"} {
		steps, err := NormalizeSteps(json.RawMessage(raw))
		require.NoError(t, err)
		require.Nil(t, steps)
	}

	_, err := NormalizeSteps(json.RawMessage(`{"timestamps":"soon"}`))
	require.Error(t, err)
	_, err = NormalizeSteps(json.RawMessage(`[1,2]`))
	require.Error(t, err)

	for _, raw := range []string{
		`{"stepCount":1e15,"timestamps":[0,2.5]}`,
		`{"stepCount":1e300,"timestamps":[0]}`,
		`{"stepCount":"Infinity"}`,
		`{"stepCount":1001}`,
	} {
		_, err = NormalizeSteps(json.RawMessage(raw))
		require.Error(t, err, raw)
	}

	steps, err := NormalizeSteps(json.RawMessage(`{"stepCount":1000}`))
	require.NoError(t, err)
	require.Equal(t, MaxSteps, steps.StepCount)
}

func TestStepNavigationClampsAndCaptions(t *testing.T) {
	t.Parallel()

	steps := &TutorialSteps{
		StepCount:  3,
		Timestamps: []float64{0, 2.5, 5},
		Prompts:    []string{"circle", "", "color"},
	}

	require.Equal(t, 0, steps.Goto(-4))
	require.Equal(t, "Step 1: circle", steps.Caption())
	require.False(t, steps.HasPrev())
	require.True(t, steps.HasNext())

	require.Equal(t, 1, steps.Next())
	require.Equal(t, "Step 2/3", steps.Caption())
	require.Equal(t, 2.5, steps.SeekTime())

	require.Equal(t, 2, steps.Goto(99))
	require.Equal(t, 2, steps.Next())
	require.False(t, steps.HasNext())
	require.Equal(t, 1, steps.Prev())
}

func TestStepsWithoutTimestampsSeekToZero(t *testing.T) {
	t.Parallel()

	steps := &TutorialSteps{StepCount: 2}
	steps.Goto(1)
	require.Equal(t, 0.0, steps.SeekTime())
	require.Equal(t, "Step 2/2", steps.Caption())

	var none *TutorialSteps
	require.Equal(t, 0, none.Next())
	require.Empty(t, none.Caption())
	require.Nil(t, none.Clone())
}

func TestStepsCloneIsDeep(t *testing.T) {
	t.Parallel()

	steps := &TutorialSteps{StepCount: 1, Timestamps: []float64{1}, Prompts: []string{"a"}}
	clone := steps.Clone()
	clone.Timestamps[0] = 9
	clone.Prompts[0] = "z"
	require.Equal(t, 1.0, steps.Timestamps[0])
	require.Equal(t, "a", steps.Prompts[0])
}
