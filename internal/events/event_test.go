package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeDiscriminatorFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		want    Type
	}{
		{"type", `{"type":"job_progress","event":"job_done"}`, TypeProgress},
		{"event", `{"event":"job_done","name":"job_error"}`, TypeDone},
		{"name", `{"name":"job_error"}`, TypeError},
		{"none", `{"jobId":"j1"}`, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			evt, err := Decode([]byte(tt.payload))
			require.NoError(t, err)
			require.Equal(t, tt.want, evt.Type)
		})
	}
}

func TestDecodeProgressFields(t *testing.T) {
	t.Parallel()

	evt, err := Decode([]byte(`{"type":"job_progress","jobId":"j-1","progress":0.4,"stage":"warp"}`))
	require.NoError(t, err)
	require.Equal(t, "j-1", evt.JobID)
	require.InDelta(t, 0.4, evt.Progress, 1e-9)
	require.Equal(t, "warp", evt.Stage)
	require.JSONEq(t, `{"type":"job_progress","jobId":"j-1","progress":0.4,"stage":"warp"}`, string(evt.Raw))
}

func TestDecodeClampsProgress(t *testing.T) {
	t.Parallel()

	high, err := Decode([]byte(`{"type":"job_progress","progress":3}`))
	require.NoError(t, err)
	require.Equal(t, 1.0, high.Progress)

	low, err := Decode([]byte(`{"type":"job_progress","progress":-0.5}`))
	require.NoError(t, err)
	require.Equal(t, 0.0, low.Progress)
}

func TestDecodeJobIDVariants(t *testing.T) {
	t.Parallel()

	numeric, err := Decode([]byte(`{"type":"job_done","jobId":42}`))
	require.NoError(t, err)
	require.Equal(t, "42", numeric.JobID)

	snake, err := Decode([]byte(`{"type":"job_done","job_id":"abc"}`))
	require.NoError(t, err)
	require.Equal(t, "abc", snake.JobID)

	null, err := Decode([]byte(`{"type":"job_done","jobId":null}`))
	require.NoError(t, err)
	require.Empty(t, null.JobID)
}

func TestDecodeErrorCodeAndHint(t *testing.T) {
	t.Parallel()

	evt, err := Decode([]byte(`{"type":"job_error","jobId":"j","code":"ROI_NOT_FOUND","hint":"move closer"}`))
	require.NoError(t, err)
	require.Equal(t, "ROI_NOT_FOUND", evt.Code)
	require.Equal(t, "move closer", evt.Hint)

	numeric, err := Decode([]byte(`{"type":"job_error","code":503}`))
	require.NoError(t, err)
	require.Equal(t, "503", numeric.Code)
}

func TestDecodeCandidates(t *testing.T) {
	t.Parallel()

	evt, err := Decode([]byte(`{"type":"job_wait_confirm","jobId":"j","candidates":["cat",{"label":"dog","score":0.7},{"name":"fox","confidence":0.2}]}`))
	require.NoError(t, err)
	require.Equal(t, []Candidate{
		{Label: "cat"},
		{Label: "dog", Score: 0.7},
		{Label: "fox", Score: 0.2},
	}, evt.Candidates)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, payload := range []string{"", "not json", `["job_done"]`, `"job_done"`, `{"type":`} {
		_, err := Decode([]byte(payload))
		require.Error(t, err, "payload %q", payload)
	}

	_, err := Decode([]byte(`[1,2]`))
	require.True(t, errors.Is(err, ErrNotObject))
}

func TestTypeClassification(t *testing.T) {
	t.Parallel()

	require.True(t, TypeDone.Known())
	require.True(t, TypeChannelClosed.Known())
	require.False(t, Type("job_paused").Known())
	require.True(t, TypeChannelError.Connectivity())
	require.False(t, TypeProgress.Connectivity())
}
