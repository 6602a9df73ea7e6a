package fakebackend

import (
	"encoding/json"
	"time"
)

// Scenario scripts how the fake backend answers and which push events it
// emits for every job.
type Scenario struct {
	// StepDelay separates consecutive push events.
	StepDelay time.Duration
	// Candidates are offered in job_wait_confirm.
	Candidates []string
	// Suggestions are returned by GET /jobs/{id}.
	Suggestions []string
	// Steps is returned verbatim as the job's tutorial steps.
	Steps json.RawMessage
	// ErrorCode, when set, ends recognition with job_error instead of
	// job_wait_confirm.
	ErrorCode string
	ErrorHint string
	// CaptureStatus, when non-zero, fails POST /capture-and-recognize with
	// that status.
	CaptureStatus int
	// OmitJobID leaves jobId out of pushed job_progress events.
	OmitJobID bool
}

// DefaultScenario drives a full capture, confirm, generate cycle.
func DefaultScenario() Scenario {
	return Scenario{
		StepDelay:   150 * time.Millisecond,
		Candidates:  []string{"cat", "fox", "dog"},
		Suggestions: []string{"Start with a large circle", "Add two ears", "Keep lines light", "Shade last", "Sign it"},
		Steps: json.RawMessage(`{
			"stepCount": 4,
			"timestamps": {"0": 0, "1": 2.5, "2": 5, "3": 7.5},
			"prompts": {"0": "Draw a big circle", "1": "Add the ears", "2": "Draw eyes and nose", "3": "Add whiskers"}
		}`),
	}
}
