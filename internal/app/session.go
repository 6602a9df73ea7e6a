// Package app holds the owned context object for one client run: the backend
// handle, the published credential, the API client, the event channel, and the
// job state machine. All state mutation happens on the Run goroutine; user
// actions, push events, and request results reach it as messages.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sketch-tutor/internal/apiclient"
	"github.com/JakeFAU/sketch-tutor/internal/config"
	"github.com/JakeFAU/sketch-tutor/internal/events"
	"github.com/JakeFAU/sketch-tutor/internal/job"
	"github.com/JakeFAU/sketch-tutor/internal/logging"
	"github.com/JakeFAU/sketch-tutor/internal/metrics"
	"github.com/JakeFAU/sketch-tutor/internal/retry"
	"github.com/JakeFAU/sketch-tutor/internal/session"
	"github.com/JakeFAU/sketch-tutor/internal/supervisor"
)

var (
	// ErrNotStarted is returned when Run or an action precedes Start.
	ErrNotStarted = errors.New("session not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrStopped is returned by actions after Run has exited.
	ErrStopped = errors.New("session stopped")
)

// Resolver locates or launches the backend.
type Resolver interface {
	Resolve(ctx context.Context, devPortHint int, token string) *supervisor.Handle
}

// Options configures a Session.
type Options struct {
	Config         config.Config
	DevPortHint    int
	HTTPClient     *http.Client
	Dialer         *websocket.Dialer
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	TracerProvider trace.TracerProvider
}

// StepOp selects a tutorial navigation.
type StepOp int

// Tutorial navigation operations.
const (
	StepGoto StepOp = iota
	StepNext
	StepPrev
)

type actionKind int

const (
	actionCapture actionKind = iota
	actionConfirm
	actionStep
	actionDismiss
)

type action struct {
	kind  actionKind
	label string
	op    StepOp
	index int
	reply chan actionReply
}

type actionReply struct {
	index int
	err   error
}

type resultKind int

const (
	resultCaptured resultKind = iota
	resultConfirmed
	resultFetched
)

type result struct {
	kind    resultKind
	attempt uint64
	jobID   string
	detail  apiclient.JobDetail
	err     error
}

// Session is one client run.
type Session struct {
	opts      Options
	cfg       config.Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	resolver  Resolver
	publisher *session.Publisher
	machine   *job.Machine

	handle *supervisor.Handle
	client *apiclient.Client

	chMu    sync.Mutex
	channel *events.Channel

	actions  chan action
	results  chan result
	snapshot atomic.Pointer[job.Snapshot]

	subMu sync.Mutex
	subs  map[chan job.Snapshot]struct{}

	started   atomic.Bool
	running   atomic.Bool
	stopped   chan struct{}
	closeOnce sync.Once
}

// New builds a Session. Nothing is resolved until Start.
func New(resolver Resolver, opts Options) *Session {
	logger := logging.OrNop(opts.Logger)
	s := &Session{
		opts:      opts,
		cfg:       opts.Config,
		logger:    logger,
		metrics:   opts.Metrics,
		resolver:  resolver,
		publisher: session.NewPublisher(),
		actions:   make(chan action),
		results:   make(chan result, 8),
		subs:      make(map[chan job.Snapshot]struct{}),
		stopped:   make(chan struct{}),
	}
	s.machine = job.NewMachine(job.Options{
		AcceptUnkeyed: opts.Config.Events.AcceptUnkeyed,
		Metrics:       opts.Metrics,
		Logger:        logger.Named("job"),
	})
	s.publish()
	return s
}

// Start resolves the backend, publishes the credential, moves the machine to
// Ready, and opens the event channel. Backend and channel failures are not
// fatal; they surface in the credential and the snapshot.
func (s *Session) Start(ctx context.Context) (session.Credential, error) {
	if !s.started.CompareAndSwap(false, true) {
		return session.Credential{}, ErrAlreadyStarted
	}
	token, err := session.Issue()
	if err != nil {
		return session.Credential{}, err
	}
	s.handle = s.resolver.Resolve(ctx, s.opts.DevPortHint, token)
	cred := s.publisher.Publish(s.handle)
	s.logger.Info("credential published",
		zap.String("address", cred.Address),
		zap.Bool("ready", cred.Ready),
		zap.String("error", cred.Error),
	)

	s.client = apiclient.New(cred.Address, cred.Token, apiclient.Options{
		HTTPClient:     s.opts.HTTPClient,
		Timeout:        s.cfg.Client.RequestTimeout,
		Metrics:        s.metrics,
		Logger:         s.logger.Named("apiclient"),
		TracerProvider: s.opts.TracerProvider,
	})

	if err := s.machine.Bootstrap(); err != nil {
		return cred, err
	}
	if err := s.dial(ctx); err != nil {
		s.logger.Warn("event channel unavailable", zap.Error(err))
		s.machine.Apply(events.Event{Type: events.TypeChannelError, Err: err})
	}
	s.publish()
	return cred, nil
}

// Credential returns the published credential, if any.
func (s *Session) Credential() (session.Credential, bool) {
	return s.publisher.Credential()
}

// Handle returns the backend handle resolved by Start.
func (s *Session) Handle() *supervisor.Handle {
	return s.handle
}

// Snapshot returns the latest machine state.
func (s *Session) Snapshot() job.Snapshot {
	return *s.snapshot.Load()
}

// ArtifactURL resolves a backend artifact path with cache busting.
func (s *Session) ArtifactURL(p string) string {
	if s.client == nil {
		return p
	}
	return s.client.ArtifactURL(p)
}

// Subscribe returns a channel carrying the latest snapshot after every change.
// Slow readers only miss intermediate snapshots. The returned func
// unsubscribes.
func (s *Session) Subscribe() (<-chan job.Snapshot, func()) {
	ch := make(chan job.Snapshot, 1)
	ch <- s.Snapshot()
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		delete(s.subs, ch)
		s.subMu.Unlock()
	}
}

// Capture starts a new capture-and-recognize job.
func (s *Session) Capture(ctx context.Context) error {
	_, err := s.do(ctx, action{kind: actionCapture})
	return err
}

// Confirm submits the user's label for the job waiting on confirmation.
func (s *Session) Confirm(ctx context.Context, label string) error {
	_, err := s.do(ctx, action{kind: actionConfirm, label: label})
	return err
}

// Step navigates the tutorial and returns the new step index.
func (s *Session) Step(ctx context.Context, op StepOp, index int) (int, error) {
	return s.do(ctx, action{kind: actionStep, op: op, index: index})
}

// Dismiss clears an error back to Ready.
func (s *Session) Dismiss(ctx context.Context) error {
	_, err := s.do(ctx, action{kind: actionDismiss})
	return err
}

func (s *Session) do(ctx context.Context, a action) (int, error) {
	if !s.started.Load() {
		return 0, ErrNotStarted
	}
	a.reply = make(chan actionReply, 1)
	select {
	case s.actions <- a:
	case <-s.stopped:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-a.reply:
		return r.index, r.err
	case <-s.stopped:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Run processes events, actions, and request results until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session already running")
	}
	defer close(s.stopped)

	backoff := retry.NewBackoff(s.cfg.Events.ReconnectMaxAttempts)
	redials := 0
	var redial <-chan time.Time

	evts := s.eventSource()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-evts:
			if !ok {
				evts = nil
				if s.cfg.Events.Reconnect && backoff.Allow(redials+1) {
					redials++
					delay := backoff.Delay(redials)
					s.logger.Info("scheduling event channel redial", zap.Int("attempt", redials), zap.Duration("delay", delay))
					redial = time.After(delay)
				}
				continue
			}
			s.handleEvent(ctx, evt)
		case <-redial:
			redial = nil
			if err := s.dial(ctx); err != nil {
				s.logger.Warn("event channel redial failed", zap.Int("attempt", redials), zap.Error(err))
				if backoff.Allow(redials + 1) {
					redials++
					redial = time.After(backoff.Delay(redials))
				}
				continue
			}
			redials = 0
			s.machine.ChannelUp()
			s.publish()
			evts = s.eventSource()
		case a := <-s.actions:
			reply := s.handleAction(ctx, a)
			s.publish()
			a.reply <- reply
		case r := <-s.results:
			s.handleResult(ctx, r)
			s.publish()
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, evt events.Event) {
	effect := s.machine.Apply(evt)
	if !effect.None() {
		s.fetch(ctx, s.machine.Attempt(), effect.FetchJobID)
	}
	s.publish()
}

func (s *Session) handleAction(ctx context.Context, a action) actionReply {
	switch a.kind {
	case actionCapture:
		attempt, err := s.machine.BeginCapture()
		if err != nil {
			return actionReply{err: err}
		}
		s.background(ctx, func(reqCtx context.Context) result {
			jobID, err := s.client.CaptureAndRecognize(reqCtx, s.cfg.Client.ProjectID)
			return result{kind: resultCaptured, attempt: attempt, jobID: jobID, err: err}
		})
		return actionReply{}
	case actionConfirm:
		jobID, err := s.machine.BeginConfirm(a.label)
		if err != nil {
			return actionReply{err: err}
		}
		attempt := s.machine.Attempt()
		s.background(ctx, func(reqCtx context.Context) result {
			_, err := s.client.ConfirmTarget(reqCtx, jobID, a.label)
			return result{kind: resultConfirmed, attempt: attempt, jobID: jobID, err: err}
		})
		return actionReply{}
	case actionStep:
		var (
			idx int
			err error
		)
		switch a.op {
		case StepNext:
			idx, err = s.machine.NextStep()
		case StepPrev:
			idx, err = s.machine.PrevStep()
		default:
			idx, err = s.machine.GotoStep(a.index)
		}
		return actionReply{index: idx, err: err}
	case actionDismiss:
		return actionReply{err: s.machine.Dismiss()}
	default:
		return actionReply{err: fmt.Errorf("unknown action %d", a.kind)}
	}
}

func (s *Session) handleResult(ctx context.Context, r result) {
	if r.err != nil {
		if err := s.machine.FailRequest(r.attempt, r.err); err != nil {
			s.logger.Debug("ignoring request failure", zap.Error(err), zap.NamedError("cause", r.err))
		}
		return
	}
	switch r.kind {
	case resultCaptured:
		effect, err := s.machine.AssignJob(r.attempt, r.jobID)
		if err != nil {
			s.logger.Debug("capture result not applied", zap.Error(err))
			return
		}
		if !effect.None() {
			s.fetch(ctx, r.attempt, effect.FetchJobID)
		}
	case resultConfirmed:
		s.logger.Debug("target confirmed", zap.String("job_id", r.jobID))
	case resultFetched:
		detail := job.Detail{
			ROIImage:    r.detail.ROIImage,
			Suggestions: r.detail.Suggestions,
			Video:       r.detail.Video,
			Steps:       r.detail.Steps,
		}
		if err := s.machine.Complete(r.jobID, detail); err != nil {
			s.logger.Debug("job detail not applied", zap.Error(err))
		}
	}
}

func (s *Session) fetch(ctx context.Context, attempt uint64, jobID string) {
	s.background(ctx, func(reqCtx context.Context) result {
		detail, err := s.client.GetJob(reqCtx, jobID)
		return result{kind: resultFetched, attempt: attempt, jobID: jobID, detail: detail, err: err}
	})
}

// background runs one blocking request off the loop and posts its result.
func (s *Session) background(ctx context.Context, call func(context.Context) result) {
	go func() {
		r := call(ctx)
		select {
		case s.results <- r:
		case <-ctx.Done():
		}
	}()
}

func (s *Session) dial(ctx context.Context) error {
	ch, err := events.Dial(ctx, s.client.BaseURL(), s.publisherToken(), events.Options{
		Path:    s.cfg.Events.Path,
		Buffer:  s.cfg.Events.Buffer,
		Dialer:  s.opts.Dialer,
		Metrics: s.metrics,
		Logger:  s.logger.Named("events"),
	})
	if err != nil {
		return err
	}
	s.chMu.Lock()
	old := s.channel
	s.channel = ch
	s.chMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (s *Session) publisherToken() string {
	cred, _ := s.publisher.Credential()
	return cred.Token
}

func (s *Session) eventSource() <-chan events.Event {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	if s.channel == nil {
		return nil
	}
	return s.channel.Events()
}

func (s *Session) publish() {
	snap := s.machine.Snapshot()
	s.snapshot.Store(&snap)
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// Close closes the event channel and terminates an owned backend exactly
// once. It is safe to call more than once and before Start.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.chMu.Lock()
		ch := s.channel
		s.channel = nil
		s.chMu.Unlock()
		if ch != nil {
			if err := ch.Close(); err != nil {
				s.logger.Warn("event channel close failed", zap.Error(err))
			}
		}
		if s.handle != nil && s.handle.Owned() {
			s.logger.Info("terminating backend", zap.Int("pid", s.handle.PID()))
		}
		supervisor.Terminate(s.handle)
	})
}
