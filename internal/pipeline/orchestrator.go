// Package pipeline sequences one capture-and-upload run at a time:
// permission, camera binding, capture, upload, then a single user
// notification. All state lives on the Run goroutine; stages report back
// to it through events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/SnapID/internal/capture"
	"github.com/cjeanneret/SnapID/internal/debug"
	"github.com/cjeanneret/SnapID/internal/hw/camera"
	"github.com/cjeanneret/SnapID/internal/notify"
	"github.com/cjeanneret/SnapID/internal/permission"
	"github.com/cjeanneret/SnapID/internal/session"
	"github.com/cjeanneret/SnapID/internal/upload"
)

// Gate is the permission stage.
type Gate interface {
	CheckGranted() bool
	Request(ctx context.Context) <-chan permission.AuthorizationEvent
}

// Binder is the camera session stage.
type Binder interface {
	capture.Source
	Bind(ctx context.Context, preview camera.Surface) error
	State() session.State
	Unbind()
	Close()
}

// Capturer is the capture stage.
type Capturer interface {
	Capture(ctx context.Context, src capture.Source) <-chan capture.Event
}

// Uploader is the upload stage.
type Uploader interface {
	Upload(ctx context.Context, img capture.CapturedImage) <-chan upload.Outcome
}

// Transition is reported to observers on every state change.
type Transition struct {
	RunID string
	From  State
	To    State
	At    time.Time
}

// Record summarizes a finished run.
type Record struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	State      State
	Message    string
	// Outcome is nil for runs that failed before uploading.
	Outcome upload.Outcome
	Err     error
}

// Snapshot is a consistent view of the orchestrator.
type Snapshot struct {
	State       State          `json:"state"`
	Session     string         `json:"session"`
	RunID       string         `json:"run_id,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	LastMessage string         `json:"last_message,omitempty"`
	LastOutcome upload.Outcome `json:"-"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSink sets where terminal messages go. Defaults to the debug log.
func WithSink(s notify.Sink) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.sink = s
		}
	}
}

// WithPreview sets the surface the camera preview renders into.
func WithPreview(s camera.Surface) Option {
	return func(o *Orchestrator) { o.preview = s }
}

// WithObserver registers fn for every transition. fn runs on the event
// loop and must not block or call back into the orchestrator.
func WithObserver(fn func(Transition)) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, fn) }
}

// WithRecorder registers fn for every finished run. Same rules as
// WithObserver.
func WithRecorder(fn func(Record)) Option {
	return func(o *Orchestrator) { o.recorders = append(o.recorders, fn) }
}

type command struct {
	kind  commandKind
	reply chan reply
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdCapture
)

type reply struct {
	runID string
	err   error
}

// event is a stage completion tagged with the run it belongs to.
type event struct {
	runID    string
	auth     *permission.AuthorizationEvent
	bindErr  error
	bound    bool
	captured *capture.Event
	outcome  upload.Outcome
}

// Orchestrator drives the pipeline state machine.
type Orchestrator struct {
	gate     Gate
	session  Binder
	capturer Capturer
	uploader Uploader

	sink      notify.Sink
	preview   camera.Surface
	observers []func(Transition)
	recorders []func(Record)

	cmds    chan command
	events  chan event
	closed  chan struct{}
	stopped chan struct{}

	closeOnce sync.Once
	runOnce   sync.Once
	started   chan struct{}
	wg        sync.WaitGroup

	// Loop-owned.
	ctx       context.Context
	state     State
	runID     string
	runStart  time.Time
	cameraRun string

	mu   sync.RWMutex
	snap Snapshot
}

// New wires the four stages into an idle orchestrator. Call Run to start
// processing triggers.
func New(gate Gate, sess Binder, capturer Capturer, uploader Uploader, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gate:     gate,
		session:  sess,
		capturer: capturer,
		uploader: uploader,
		sink:     notify.LogSink{},
		cmds:     make(chan command),
		events:   make(chan event),
		closed:   make(chan struct{}),
		stopped:  make(chan struct{}),
		started:  make(chan struct{}),
		state:    Idle,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.snap = Snapshot{State: Idle, Session: sess.State().String(), UpdatedAt: time.Now()}
	return o
}

// Run processes triggers and stage events until ctx ends or Close is
// called. ctx is also the lifecycle scope of the camera binding. Run may
// be called once.
func (o *Orchestrator) Run(ctx context.Context) error {
	first := false
	o.runOnce.Do(func() { first = true })
	if !first {
		return errors.New("pipeline: Run called twice")
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.ctx = runCtx
	close(o.started)

	defer func() {
		cancel()
		o.wg.Wait()
		o.session.Unbind()
		o.publish()
		close(o.stopped)
		debug.Verbose("Pipeline: event loop stopped")
	}()

	debug.Verbose("Pipeline: event loop started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.closed:
			return nil
		case cmd := <-o.cmds:
			cmd.reply <- o.handleCommand(cmd.kind)
		case ev := <-o.events:
			o.handleEvent(ev)
		}
	}
}

// Start checks the camera permission, requesting it if needed, then binds
// the camera. It returns ErrBusy while a run is in flight.
func (o *Orchestrator) Start() error {
	r, err := o.send(cmdStart)
	if err != nil {
		return err
	}
	return r.err
}

// Capture triggers one capture-and-upload run and returns its id. The run
// itself completes asynchronously; its result reaches the sink.
func (o *Orchestrator) Capture() (string, error) {
	r, err := o.send(cmdCapture)
	if err != nil {
		return "", err
	}
	return r.runID, r.err
}

func (o *Orchestrator) send(kind commandKind) (reply, error) {
	cmd := command{kind: kind, reply: make(chan reply, 1)}
	select {
	case o.cmds <- cmd:
	case <-o.closed:
		return reply{}, ErrClosed
	case <-o.stopped:
		return reply{}, ErrClosed
	}
	return <-cmd.reply, nil
}

// Snapshot returns the latest published state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snap
}

// Close stops the event loop, waits for in-flight stages to wind down and
// releases the camera. No notification is delivered after Close returns.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.closed)
		select {
		case <-o.started:
			<-o.stopped
		default:
		}
		o.session.Close()
	})
}

// ---------- commands ----------

func (o *Orchestrator) handleCommand(kind commandKind) reply {
	if o.state.Busy() {
		debug.Live("Pipeline: trigger rejected, %s in progress", o.state)
		return reply{runID: o.runID, err: ErrBusy}
	}
	switch kind {
	case cmdStart:
		return reply{err: o.start()}
	case cmdCapture:
		return o.capture()
	default:
		return reply{err: fmt.Errorf("pipeline: unknown command %d", kind)}
	}
}

func (o *Orchestrator) start() error {
	o.beginRun()
	if o.gate.CheckGranted() {
		debug.Verbose("Pipeline: permission already granted")
		o.ready()
		return nil
	}
	o.setState(AwaitingPermission)
	runID := o.runID
	ch := o.gate.Request(o.ctx)
	o.spawn(func() event {
		ev, ok := <-ch
		if !ok {
			ev = permission.AuthorizationEvent{}
		}
		return event{runID: runID, auth: &ev}
	})
	return nil
}

// ready enters Ready and binds the camera in the background.
func (o *Orchestrator) ready() {
	o.setState(Ready)
	runID := o.runID
	o.cameraRun = runID
	o.spawn(func() event {
		err := o.session.Bind(o.ctx, o.preview)
		return event{runID: runID, bound: err == nil, bindErr: err}
	})
}

func (o *Orchestrator) capture() reply {
	o.beginRun()
	o.setState(Capturing)
	runID := o.runID
	ch := o.capturer.Capture(o.ctx, o.session)
	o.spawn(func() event {
		ev, ok := <-ch
		if !ok {
			ev = capture.Event{Err: capture.ErrHardware}
		}
		return event{runID: runID, captured: &ev}
	})
	return reply{runID: runID}
}

// ---------- stage events ----------

func (o *Orchestrator) handleEvent(ev event) {
	switch {
	case ev.auth != nil:
		if ev.runID != o.runID || o.state != AwaitingPermission {
			return
		}
		if !ev.auth.Granted {
			o.session.Unbind()
			o.fail(&StageError{Stage: StagePermission, Err: permission.ErrDenied})
			return
		}
		debug.Live("Pipeline: permission granted")
		o.ready()

	case ev.bound || ev.bindErr != nil:
		if ev.runID != o.cameraRun {
			return
		}
		if ev.bindErr != nil {
			if o.state.Busy() {
				// The running stage will observe the missing handle.
				return
			}
			o.runID = ev.runID
			o.fail(&StageError{Stage: StageCamera, Err: ev.bindErr})
			return
		}
		if o.state == Failed {
			o.setState(Ready)
		}
		o.publish()

	case ev.captured != nil:
		if ev.runID != o.runID || o.state != Capturing {
			return
		}
		if !ev.captured.Saved() {
			o.fail(&StageError{Stage: StageCapture, Err: ev.captured.Err})
			return
		}
		img := ev.captured.Image
		debug.Live("Pipeline: image saved (%d bytes)", img.SizeBytes)
		o.setState(Uploading)
		runID := o.runID
		ch := o.uploader.Upload(o.ctx, img)
		o.spawn(func() event {
			out, ok := <-ch
			if !ok {
				out = upload.NetworkError{Message: "upload aborted"}
			}
			return event{runID: runID, outcome: out}
		})

	case ev.outcome != nil:
		if ev.runID != o.runID || o.state != Uploading {
			return
		}
		o.finish(Done, ev.outcome.String(), ev.outcome, nil)
	}
}

// ---------- state ----------

func (o *Orchestrator) beginRun() {
	o.runID = uuid.NewString()
	o.runStart = time.Now()
	o.mu.Lock()
	o.snap.Reason = ""
	o.mu.Unlock()
}

func (o *Orchestrator) fail(err error) {
	o.finish(Failed, userMessage(err), nil, err)
}

// finish enters the terminal state, delivers the run's single
// notification and then goes back to Ready if the camera is still bound.
func (o *Orchestrator) finish(terminal State, message string, out upload.Outcome, err error) {
	o.setState(terminal)

	o.mu.Lock()
	o.snap.LastMessage = message
	o.snap.LastOutcome = out
	o.snap.Reason = ""
	if err != nil {
		o.snap.Reason = reason(err)
	}
	o.mu.Unlock()

	debug.Result(o.runID, message)
	o.sink.Notify(message)

	rec := Record{
		RunID:      o.runID,
		StartedAt:  o.runStart,
		FinishedAt: time.Now(),
		State:      terminal,
		Message:    message,
		Outcome:    out,
		Err:        err,
	}
	for _, fn := range o.recorders {
		fn(rec)
	}

	switch {
	case o.session.State() == session.Bound:
		o.setState(Ready)
	case terminal == Done:
		o.setState(Idle)
	}
}

func (o *Orchestrator) setState(to State) {
	from := o.state
	if from == to {
		return
	}
	if !isAllowedTransition(from, to) {
		debug.Error(fmt.Errorf("pipeline: invalid transition %s -> %s", from, to))
	}
	o.state = to
	debug.Stage(o.runID, from.String(), to.String())
	o.publish()

	t := Transition{RunID: o.runID, From: from, To: to, At: time.Now()}
	for _, fn := range o.observers {
		fn(t)
	}
}

func (o *Orchestrator) publish() {
	o.mu.Lock()
	o.snap.State = o.state
	o.snap.RunID = o.runID
	o.snap.Session = o.session.State().String()
	o.snap.UpdatedAt = time.Now()
	o.mu.Unlock()
}

// spawn runs a stage waiter and hands its event to the loop, unless the
// loop has stopped.
func (o *Orchestrator) spawn(wait func() event) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ev := wait()
		select {
		case o.events <- ev:
		case <-o.ctx.Done():
		}
	}()
}
