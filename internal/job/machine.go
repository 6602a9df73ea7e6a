// Package job holds the single authoritative state container for the current
// capture-to-tutorial job. The Machine is not safe for concurrent use; it is
// owned by one event loop which serializes user actions, push events, and
// request results.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/sketch-tutor/internal/events"
	"github.com/JakeFAU/sketch-tutor/internal/failure"
	"github.com/JakeFAU/sketch-tutor/internal/logging"
	"github.com/JakeFAU/sketch-tutor/internal/metrics"
)

// Stage labels set by user actions.
const (
	StageCapture        = "capture"
	StageGenerateSketch = "generate_sketch"
)

const (
	// DefaultPendingLimit bounds the events held while a job id is unknown.
	DefaultPendingLimit = 32
	// TopSuggestionCount is how many suggestions the result view shows.
	TopSuggestionCount = 4
)

var (
	// ErrEmptyLabel is returned by BeginConfirm for a blank label.
	ErrEmptyLabel = errors.New("target label is empty")
	// ErrStaleRequest is returned for results of a superseded attempt.
	ErrStaleRequest = errors.New("request belongs to a superseded attempt")
	// ErrMissingJobID is returned when the capture response carries no job id.
	ErrMissingJobID = errors.New("capture response has no jobId")
	// ErrNoSteps is returned by step navigation without tutorial steps.
	ErrNoSteps = errors.New("no tutorial steps available")
)

// Failure is the displayable error stored in the Error state.
type Failure struct {
	Kind failure.Kind `json:"kind"`
	Code string       `json:"code,omitempty"`
	Hint string       `json:"hint,omitempty"`
}

// Detail is the completed job data fetched after job_done.
type Detail struct {
	ROIImage    string
	Suggestions []string
	Video       string
	Steps       json.RawMessage
}

// Effect tells the owner which follow-up work an applied event requires.
type Effect struct {
	// FetchJobID is set when the full job detail must be fetched.
	FetchJobID string
}

// None reports whether no follow-up is needed.
func (e Effect) None() bool {
	return e.FetchJobID == ""
}

// Observer is notified after every state change.
type Observer func(from, to State)

// Options configures a Machine.
type Options struct {
	// AcceptUnkeyed applies events without a jobId to the current job.
	AcceptUnkeyed bool
	PendingLimit  int
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
	Observer      Observer
}

// Snapshot is an immutable copy of the machine state.
type Snapshot struct {
	State          State              `json:"state"`
	Stage          string             `json:"stage"`
	Progress       float64            `json:"progress"`
	JobID          string             `json:"jobId,omitempty"`
	Attempt        uint64             `json:"attempt"`
	ROIImage       string             `json:"roiImage,omitempty"`
	Suggestions    []string           `json:"suggestions,omitempty"`
	TopSuggestions []string           `json:"topSuggestions,omitempty"`
	Video          string             `json:"video,omitempty"`
	Candidates     []events.Candidate `json:"candidates,omitempty"`
	Error          *Failure           `json:"error,omitempty"`
	Steps          *TutorialSteps     `json:"steps,omitempty"`
	Caption        string             `json:"caption,omitempty"`
	SeekTime       float64            `json:"seekTime"`
	ChannelDown    bool               `json:"channelDown"`
	Seq            uint64             `json:"seq"`
}

// CanCapture reports whether the capture control should be enabled.
func (s Snapshot) CanCapture() bool {
	return s.State.CanCapture()
}

// Machine is the job state machine.
type Machine struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	state       State
	stage       string
	progress    float64
	jobID       string
	attempt     uint64
	fetching    bool
	roiImage    string
	suggestions []string
	video       string
	candidates  []events.Candidate
	failure     *Failure
	steps       *TutorialSteps
	channelDown bool
	seq         uint64

	pending []events.Event
}

// NewMachine returns a Machine in the Idle state.
func NewMachine(opts Options) *Machine {
	if opts.PendingLimit <= 0 {
		opts.PendingLimit = DefaultPendingLimit
	}
	return &Machine{
		opts:    opts,
		logger:  logging.OrNop(opts.Logger),
		metrics: opts.Metrics,
		state:   StateIdle,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// JobID returns the current job id, empty until the capture response arrives.
func (m *Machine) JobID() string {
	return m.jobID
}

// Attempt returns the id of the current capture attempt.
func (m *Machine) Attempt() uint64 {
	return m.attempt
}

// Bootstrap moves Idle to Ready. It succeeds exactly once per machine.
func (m *Machine) Bootstrap() error {
	if m.state != StateIdle {
		return fmt.Errorf("%w: already bootstrapped", ErrInvalidTransition)
	}
	return m.transition(StateReady)
}

// BeginCapture starts a new job attempt. Prior job data, including tutorial
// steps, is discarded. It returns the attempt id that request results must
// carry.
func (m *Machine) BeginCapture() (uint64, error) {
	if !m.state.CanCapture() {
		return 0, fmt.Errorf("%w: capture not allowed in %s", ErrInvalidTransition, m.state)
	}
	if err := m.transition(StateProcessing); err != nil {
		return 0, err
	}
	m.attempt++
	m.jobID = ""
	m.fetching = false
	m.stage = StageCapture
	m.progress = 0
	m.roiImage = ""
	m.suggestions = nil
	m.video = ""
	m.candidates = nil
	m.failure = nil
	m.steps = nil
	m.pending = nil
	return m.attempt, nil
}

// AssignJob records the job id returned by the capture request and replays
// events that arrived for it before the response did.
func (m *Machine) AssignJob(attempt uint64, jobID string) (Effect, error) {
	if attempt != m.attempt {
		return Effect{}, ErrStaleRequest
	}
	if !m.state.Active() {
		return Effect{}, fmt.Errorf("%w: job assignment in %s", ErrInvalidTransition, m.state)
	}
	if m.jobID != "" {
		return Effect{}, fmt.Errorf("%w: job %s already assigned", ErrInvalidTransition, m.jobID)
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		m.fail(Failure{Kind: failure.RequestFailure, Code: string(failure.RequestFailure), Hint: ErrMissingJobID.Error()})
		return Effect{}, ErrMissingJobID
	}
	m.jobID = jobID
	m.seq++

	pending := m.pending
	m.pending = nil
	var effect Effect
	for _, evt := range pending {
		if evt.JobID != "" && evt.JobID != jobID {
			m.drop(evt, "stale")
			continue
		}
		if e := m.apply(evt); !e.None() {
			effect = e
		}
	}
	return effect, nil
}

// BeginConfirm submits the user's label for the job waiting on confirmation
// and returns the job id to confirm.
func (m *Machine) BeginConfirm(label string) (string, error) {
	if m.state != StateWaitConfirm {
		return "", fmt.Errorf("%w: confirm not allowed in %s", ErrInvalidTransition, m.state)
	}
	if strings.TrimSpace(label) == "" {
		return "", ErrEmptyLabel
	}
	if m.jobID == "" {
		return "", fmt.Errorf("%w: no job to confirm", ErrInvalidTransition)
	}
	if err := m.transition(StateProcessing); err != nil {
		return "", err
	}
	m.stage = StageGenerateSketch
	m.progress = 0
	m.candidates = nil
	return m.jobID, nil
}

// FailRequest moves an in-flight attempt to Error after a request failure.
func (m *Machine) FailRequest(attempt uint64, err error) error {
	if attempt != m.attempt {
		return ErrStaleRequest
	}
	if !m.state.Active() {
		return fmt.Errorf("%w: request failure in %s", ErrInvalidTransition, m.state)
	}
	kind := failure.KindOf(err)
	m.fail(Failure{Kind: kind, Code: string(kind), Hint: err.Error()})
	return nil
}

// Complete applies the fetched job detail and moves to ResultReady.
func (m *Machine) Complete(jobID string, detail Detail) error {
	if m.state != StateProcessing || !m.fetching || jobID != m.jobID {
		return fmt.Errorf("%w: completion of %q in %s", ErrInvalidTransition, jobID, m.state)
	}
	steps, err := NormalizeSteps(detail.Steps)
	if err != nil {
		m.logger.Warn("ignoring malformed tutorial steps", zap.String("job_id", jobID), zap.Error(err))
		steps = nil
	}
	if err := m.transition(StateResultReady); err != nil {
		return err
	}
	m.fetching = false
	m.stage = ""
	m.progress = 1
	m.roiImage = detail.ROIImage
	m.suggestions = append([]string(nil), detail.Suggestions...)
	m.video = detail.Video
	m.steps = steps
	m.steps.Goto(0)
	return nil
}

// Dismiss clears an error and returns to Ready.
func (m *Machine) Dismiss() error {
	if m.state != StateError {
		return fmt.Errorf("%w: dismiss in %s", ErrInvalidTransition, m.state)
	}
	if err := m.transition(StateReady); err != nil {
		return err
	}
	m.failure = nil
	return nil
}

// ChannelUp clears the degraded channel flag after a reconnect.
func (m *Machine) ChannelUp() {
	if m.channelDown {
		m.channelDown = false
		m.seq++
	}
}

// GotoStep moves to tutorial step i, clamped.
func (m *Machine) GotoStep(i int) (int, error) {
	if m.steps == nil || m.steps.StepCount <= 0 {
		return 0, ErrNoSteps
	}
	m.seq++
	return m.steps.Goto(i), nil
}

// NextStep advances one tutorial step.
func (m *Machine) NextStep() (int, error) {
	if m.steps == nil {
		return 0, ErrNoSteps
	}
	return m.GotoStep(m.steps.Current + 1)
}

// PrevStep goes back one tutorial step.
func (m *Machine) PrevStep() (int, error) {
	if m.steps == nil {
		return 0, ErrNoSteps
	}
	return m.GotoStep(m.steps.Current - 1)
}

// Apply consumes one push event. Events are keyed on the current job id: a
// different id is dropped, and until AssignJob records the id, events of the
// in-flight attempt are held and replayed there.
func (m *Machine) Apply(evt events.Event) Effect {
	if !evt.Type.Known() {
		m.drop(evt, "unknown")
		return Effect{}
	}
	if evt.Type.Connectivity() {
		m.applyConnectivity(evt)
		return Effect{}
	}

	switch {
	case evt.JobID == "" && !m.opts.AcceptUnkeyed:
		m.drop(evt, "unkeyed")
		return Effect{}
	case m.jobID == "":
		if !m.state.Active() {
			m.drop(evt, "stale")
			return Effect{}
		}
		if len(m.pending) >= m.opts.PendingLimit {
			m.drop(evt, "overflow")
			return Effect{}
		}
		m.pending = append(m.pending, evt)
		return Effect{}
	case evt.JobID != "" && evt.JobID != m.jobID:
		m.drop(evt, "stale")
		return Effect{}
	}
	return m.apply(evt)
}

func (m *Machine) apply(evt events.Event) Effect {
	switch evt.Type {
	case events.TypeProgress:
		if m.state != StateProcessing || m.fetching {
			m.drop(evt, "ignored")
			return Effect{}
		}
		m.stage = evt.Stage
		m.progress = evt.Progress
		m.seq++
	case events.TypeWaitConfirm:
		if m.state != StateProcessing || m.fetching {
			m.drop(evt, "ignored")
			return Effect{}
		}
		if err := m.transition(StateWaitConfirm); err != nil {
			return Effect{}
		}
		m.candidates = append([]events.Candidate(nil), evt.Candidates...)
	case events.TypeDone:
		if m.state != StateProcessing || m.fetching {
			m.drop(evt, "ignored")
			return Effect{}
		}
		m.fetching = true
		m.seq++
		return Effect{FetchJobID: m.jobID}
	case events.TypeError:
		if !m.state.Active() {
			m.drop(evt, "ignored")
			return Effect{}
		}
		m.fail(Failure{Kind: failure.JobError, Code: evt.Code, Hint: evt.Hint})
	}
	return Effect{}
}

func (m *Machine) applyConnectivity(evt events.Event) {
	if !m.channelDown {
		m.channelDown = true
		m.seq++
	}
	if !m.state.Active() {
		return
	}
	kind := failure.ChannelClosed
	if evt.Type == events.TypeChannelError {
		kind = failure.ChannelError
	}
	hint := "event channel disconnected"
	if evt.Err != nil {
		hint = evt.Err.Error()
	}
	m.fail(Failure{Kind: kind, Code: string(kind), Hint: hint})
}

func (m *Machine) fail(f Failure) {
	if err := m.transition(StateError); err != nil {
		m.logger.Warn("cannot record failure", zap.Error(err))
		return
	}
	m.fetching = false
	m.progress = 0
	m.stage = ""
	m.pending = nil
	m.failure = &f
	m.logger.Warn("job failed",
		zap.String("job_id", m.jobID),
		zap.String("kind", string(f.Kind)),
		zap.String("code", f.Code),
		zap.String("hint", f.Hint),
	)
}

func (m *Machine) transition(to State) error {
	from := m.state
	if err := ValidateTransition(from, to); err != nil {
		return err
	}
	m.state = to
	m.seq++
	if from != to {
		m.metrics.ObserveTransition(string(from), string(to))
		m.logger.Debug("job transition", zap.String("from", string(from)), zap.String("to", string(to)))
		if m.opts.Observer != nil {
			m.opts.Observer(from, to)
		}
	}
	return nil
}

func (m *Machine) drop(evt events.Event, reason string) {
	m.metrics.ObserveDrop(reason)
	m.logger.Debug("ignoring event",
		zap.String("type", string(evt.Type)),
		zap.String("event_job_id", evt.JobID),
		zap.String("job_id", m.jobID),
		zap.String("state", string(m.state)),
		zap.String("reason", reason),
	)
}

// Snapshot returns a deep copy of the current state.
func (m *Machine) Snapshot() Snapshot {
	snap := Snapshot{
		State:       m.state,
		Stage:       m.stage,
		Progress:    m.progress,
		JobID:       m.jobID,
		Attempt:     m.attempt,
		ROIImage:    m.roiImage,
		Suggestions: append([]string(nil), m.suggestions...),
		Video:       m.video,
		Candidates:  append([]events.Candidate(nil), m.candidates...),
		Steps:       m.steps.Clone(),
		Caption:     m.steps.Caption(),
		SeekTime:    m.steps.SeekTime(),
		ChannelDown: m.channelDown,
		Seq:         m.seq,
	}
	if len(snap.Suggestions) > 0 {
		snap.TopSuggestions = append([]string(nil), snap.Suggestions[:min(TopSuggestionCount, len(snap.Suggestions))]...)
	}
	if m.failure != nil {
		f := *m.failure
		snap.Error = &f
	}
	return snap
}
