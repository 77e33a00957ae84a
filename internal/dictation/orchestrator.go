// Package dictation sequences one dictation from trigger to delivery.
//
// The [Orchestrator] is a state machine:
//
//	Idle → Capturing → Transcribing → Correcting → (Refining) → Delivering → Idle
//
// with Canceling reachable from every non-Idle state and Failed, which always
// returns to Idle. At most one session is live at any time; a Start while a
// session is live is ignored rather than rejected so repeated hotkey presses
// are harmless.
//
// Every dependency is an interface injected through [Config]. Settings are
// read live at the entry of each stage, so edits made while a dictation runs
// only affect the stages that have not started yet. The refine provider is
// snapshotted once at refine-stage entry.
//
// Observers subscribe to [Orchestrator.Events] instead of polling; every state
// transition, input level sample, model state change, streamed refine chunk
// and outcome is published there.
package dictation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxscribe/internal/observe"
	"github.com/MrWong99/voxscribe/internal/refine"
	"github.com/MrWong99/voxscribe/internal/transcript"
	"github.com/MrWong99/voxscribe/pkg/audio"
	"github.com/MrWong99/voxscribe/pkg/audio/capture"
	"github.com/MrWong99/voxscribe/pkg/catalog"
	"github.com/MrWong99/voxscribe/pkg/modelstore"
	"github.com/MrWong99/voxscribe/pkg/provider/asr"
)

var (
	// ErrNotCapturing is returned by Stop when no session is capturing.
	ErrNotCapturing = errors.New("dictation: not capturing")

	// ErrUnknownModel is returned when the active model id is not in the
	// catalog.
	ErrUnknownModel = errors.New("dictation: unknown model")

	// ErrNoProvider is attached to a result when refinement is enabled but
	// no active provider is configured.
	ErrNoProvider = errors.New("dictation: no active refine provider")
)

// Session outcomes recorded in metrics.
const (
	outcomeDelivered = "delivered"
	outcomeEmpty     = "empty"
	outcomeCanceled  = "canceled"
	outcomeFailed    = "failed"
)

// Settings is the live view of user settings. Each method is called at the
// entry of the stage that needs it. [*config.LiveSettings] implements it.
type Settings interface {
	ActiveModelID() string
	Language() string
	RefineEnabled() bool
	Streaming() bool
	ActiveProvider() (refine.ProviderConfig, bool)
	ActivePrompt() refine.PromptSpec
}

// Models is the part of the model store the orchestrator uses.
type Models interface {
	State(desc catalog.Descriptor) modelstore.State
	Subscribe(fn func(modelstore.Event)) (unsubscribe func())
	EnsureReady(ctx context.Context, desc catalog.Descriptor) error
	Acquire(desc catalog.Descriptor) (release func())
	ClearCache() error
	IsReady(desc catalog.Descriptor) bool
	IsDownloading() bool
	IsLoading() bool
	DownloadProgress() (float64, bool)
	ModelsExistOnDisk() bool
}

var _ Models = (*modelstore.Store)(nil)

// Recorder captures one utterance. [*capture.Session] implements it.
type Recorder interface {
	Start(ctx context.Context) error
	Stop() (audio.SampleBuffer, error)
	Cancel()
	Levels() <-chan float64
}

var _ Recorder = (*capture.Session)(nil)

// HintSource supplies recognition hints. [*transcript.Booster] implements it.
type HintSource interface {
	Hints(language string) asr.Hints
}

var _ HintSource = (*transcript.Booster)(nil)

// Refiner post-processes a transcript. [*refine.Processor] implements it.
type Refiner interface {
	Refine(ctx context.Context, req refine.Request) (refine.Result, error)
	Stream(ctx context.Context, req refine.Request) (<-chan refine.Chunk, error)
}

var _ Refiner = (*refine.Processor)(nil)

// Sink receives the final text. Deliver must honour ctx.
type Sink interface {
	Deliver(ctx context.Context, r Result) error
}

// EngineFactory builds the transcription engine for a descriptor. The
// orchestrator calls it only when the active model changes.
type EngineFactory func(desc catalog.Descriptor) (asr.Engine, error)

// Config holds the dependencies of an [Orchestrator]. Refiner may be nil when
// refinement is never enabled; every other field is required.
type Config struct {
	Catalog   *catalog.Catalog
	Models    Models
	Engines   EngineFactory
	Recorder  Recorder
	Settings  Settings
	Hints     HintSource
	Corrector transcript.Corrector
	Refiner   Refiner
	Sink      Sink
}

// Option is a functional option for [New].
type Option func(*Orchestrator)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithEvents publishes on bus instead of a private one.
func WithEvents(bus *Events) Option {
	return func(o *Orchestrator) { o.events = bus }
}

// session is one start..Idle cycle.
type session struct {
	id        string
	trigger   Trigger
	desc      catalog.Descriptor
	engine    asr.Engine
	startedAt time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	release func()

	// prepared is closed once engine.Prepare returned; prepareErr is only
	// read after that.
	prepared   chan struct{}
	prepareErr error

	// done is closed when the session reached Idle.
	done chan struct{}
}

// Orchestrator runs dictation sessions. All exported methods are safe for
// concurrent use.
type Orchestrator struct {
	cat       *catalog.Catalog
	models    Models
	engines   EngineFactory
	rec       Recorder
	settings  Settings
	hints     HintSource
	corrector transcript.Corrector
	sink      Sink
	metrics   *observe.Metrics
	events    *Events
	unsub     func()

	mu      sync.Mutex
	state   State
	sess    *session
	engine  asr.Engine
	refiner Refiner
	live    int

	// starting is non-nil while a Start builds the engine and opens the
	// device without holding mu; it is closed when that Start returns.
	// abortStart records a Cancel that arrived meanwhile.
	starting   chan struct{}
	abortStart bool
}

// New creates an idle orchestrator and starts forwarding model state changes
// to its event bus. Call [Orchestrator.Close] to stop forwarding.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	var missing []string
	for name, ok := range map[string]bool{
		"Catalog":   cfg.Catalog != nil,
		"Models":    cfg.Models != nil,
		"Engines":   cfg.Engines != nil,
		"Recorder":  cfg.Recorder != nil,
		"Settings":  cfg.Settings != nil,
		"Hints":     cfg.Hints != nil,
		"Corrector": cfg.Corrector != nil,
		"Sink":      cfg.Sink != nil,
	} {
		if !ok {
			missing = append(missing, name)
		}
	}
	slices.Sort(missing)
	if len(missing) > 0 {
		return nil, fmt.Errorf("dictation: missing dependencies: %s", strings.Join(missing, ", "))
	}

	o := &Orchestrator{
		cat:       cfg.Catalog,
		models:    cfg.Models,
		engines:   cfg.Engines,
		rec:       cfg.Recorder,
		settings:  cfg.Settings,
		hints:     cfg.Hints,
		corrector: cfg.Corrector,
		sink:      cfg.Sink,
		refiner:   cfg.Refiner,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.events == nil {
		o.events = &Events{}
	}
	o.unsub = o.models.Subscribe(func(ev modelstore.Event) {
		st := ev.State
		o.events.Publish(Event{Kind: EventModel, ModelID: ev.ModelID, ModelState: &st})
	})
	return o, nil
}

// Events returns the event bus.
func (o *Orchestrator) Events() *Events { return o.events }

// SetRefiner swaps the refiner used by sessions that reach the refine stage
// afterwards.
func (o *Orchestrator) SetRefiner(r Refiner) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refiner = r
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SessionCount returns the number of live sessions: 0 or 1.
func (o *Orchestrator) SessionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.live
}

// ActiveDescriptor returns the descriptor the next dictation will use.
func (o *Orchestrator) ActiveDescriptor() (catalog.Descriptor, error) {
	id := o.settings.ActiveModelID()
	desc, ok := o.cat.Lookup(id)
	if !ok {
		return catalog.Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	return desc, nil
}

// Status returns a snapshot of the orchestrator and the active model.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := Status{State: o.state, IsRunning: o.state.Active()}
	if o.sess != nil {
		st.SessionID = o.sess.id
	}
	o.mu.Unlock()

	st.IsDownloadingModel = o.models.IsDownloading()
	st.IsLoadingModel = o.models.IsLoading()
	if p, ok := o.models.DownloadProgress(); ok {
		st.DownloadProgress = &p
	}
	st.ModelsExistOnDisk = o.models.ModelsExistOnDisk()
	st.ActiveModel = o.settings.ActiveModelID()
	if desc, ok := o.cat.Lookup(st.ActiveModel); ok {
		st.ModelState = o.models.State(desc)
		st.IsReady = st.ModelState.Kind == modelstore.Ready
	}
	return st
}

// EnsureReady downloads and loads the active model without starting a
// dictation.
func (o *Orchestrator) EnsureReady(ctx context.Context) error {
	desc, err := o.ActiveDescriptor()
	if err != nil {
		return err
	}
	return o.models.EnsureReady(ctx, desc)
}

// ClearModelCache evicts every cached model that no session is using.
func (o *Orchestrator) ClearModelCache() error {
	return o.models.ClearCache()
}

// Start begins a dictation. It is a no-op returning nil unless the
// orchestrator is idle. The engine is prepared in the background while audio
// is captured, so a model download overlaps the utterance. The engine is
// built and the device opened without holding the orchestrator's lock, so
// Status and Cancel stay responsive; a Cancel in that window aborts the
// start.
//
// ctx only bounds Start itself; the session outlives it.
func (o *Orchestrator) Start(ctx context.Context, trig Trigger) error {
	o.mu.Lock()
	if o.state != StateIdle || o.starting != nil {
		st := o.state
		o.mu.Unlock()
		slog.Debug("dictation: start ignored", "state", st, "source", trig.Source)
		return nil
	}
	starting := make(chan struct{})
	o.starting = starting
	o.abortStart = false
	current := o.engine
	o.mu.Unlock()

	var prev asr.Engine
	defer func() {
		o.mu.Lock()
		o.starting = nil
		o.mu.Unlock()
		close(starting)
		if prev != nil {
			if err := prev.Unload(); err != nil {
				slog.Warn("dictation: unloading previous engine", "model", prev.Descriptor().ID, "err", err)
			}
		}
	}()

	desc, err := o.ActiveDescriptor()
	if err != nil {
		return err
	}
	eng := current
	if eng == nil || eng.Descriptor().ID != desc.ID {
		if eng, err = o.engines(desc); err != nil {
			return fmt.Errorf("dictation: engine for %q: %w", desc.ID, err)
		}
	}

	id := uuid.NewString()
	sctx, cancel := context.WithCancel(observe.WithSession(context.WithoutCancel(ctx), id))
	s := &session{
		id:        id,
		trigger:   trig,
		desc:      desc,
		engine:    eng,
		startedAt: time.Now(),
		ctx:       sctx,
		cancel:    cancel,
		release:   o.models.Acquire(desc),
		prepared:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	recErr := o.rec.Start(sctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.engine != eng {
		prev = o.engine
		o.engine = eng
		if prev != nil {
			slog.Info("dictation: active model switched", "from", prev.Descriptor().ID, "to", desc.ID)
		}
	}
	o.sess = s
	o.live++
	o.metrics.ActiveSessions.Add(sctx, 1)

	if recErr != nil {
		o.setStateLocked(StateFailed)
		o.events.Publish(Event{Kind: EventFailed, SessionID: s.id, Stage: StageCapture, Reason: recErr.Error()})
		o.finishLocked(s, outcomeFailed)
		slog.Warn("dictation: capture failed", "session_id", s.id, "err", recErr)
		return fmt.Errorf("dictation: start capture: %w", recErr)
	}
	if o.abortStart {
		o.rec.Cancel()
		o.events.Publish(Event{Kind: EventCanceled, SessionID: s.id})
		o.finishLocked(s, outcomeCanceled)
		slog.Info("dictation canceled while starting", "session_id", s.id)
		return nil
	}
	o.setStateLocked(StateCapturing)

	go o.prepare(s)
	go o.forwardLevels(s)

	slog.Info("dictation started",
		"session_id", s.id,
		"model", desc.ID,
		"source", trig.Source,
	)
	return nil
}

// Stop ends capture and runs the rest of the pipeline in the background. It
// returns [ErrNotCapturing] unless a session is capturing. Use
// [Orchestrator.Wait] to block until the session is done.
func (o *Orchestrator) Stop(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateCapturing {
		return fmt.Errorf("%w (state %s)", ErrNotCapturing, o.state)
	}
	s := o.sess
	o.setStateLocked(StateTranscribing)
	go o.run(s)
	return nil
}

// Cancel aborts the live session: capture is discarded, in-flight requests
// are aborted and nothing is delivered. It is a no-op when idle. The
// orchestrator reaches Idle once the pipeline goroutine has unwound.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	s := o.sess
	if s == nil && o.starting != nil {
		o.abortStart = true
	}
	if s == nil || o.state == StateCanceling {
		o.mu.Unlock()
		return
	}
	capturing := o.state == StateCapturing
	o.setStateLocked(StateCanceling)
	s.cancel()
	o.mu.Unlock()

	o.rec.Cancel()
	o.events.Publish(Event{Kind: EventCanceled, SessionID: s.id})
	slog.Info("dictation canceled", "session_id", s.id)

	// No pipeline goroutine exists while capturing.
	if capturing {
		o.mu.Lock()
		o.finishLocked(s, outcomeCanceled)
		o.mu.Unlock()
	}
}

// Wait blocks until no session is live or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	s, starting := o.sess, o.starting
	o.mu.Unlock()
	if s == nil && starting != nil {
		select {
		case <-starting:
		case <-ctx.Done():
			return ctx.Err()
		}
		o.mu.Lock()
		s = o.sess
		o.mu.Unlock()
	}
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels the live session, unloads the engine and stops event
// forwarding. The event bus itself stays open for its owner to close.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.Cancel()
	err := o.Wait(ctx)
	o.unsub()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.engine != nil {
		err = errors.Join(err, o.engine.Unload())
		o.engine = nil
	}
	return err
}

// setStateLocked records and publishes a transition. o.mu must be held.
func (o *Orchestrator) setStateLocked(st State) {
	if o.state == st {
		return
	}
	o.state = st
	ev := Event{Kind: EventState, State: st}
	if o.sess != nil {
		ev.SessionID = o.sess.id
	}
	o.events.Publish(ev)
}

// advance moves s to st unless the session was canceled meanwhile.
func (o *Orchestrator) advance(s *session, st State) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess != s || o.state == StateCanceling || s.ctx.Err() != nil {
		return false
	}
	o.setStateLocked(st)
	return true
}

// finishLocked destroys s and returns to Idle. o.mu must be held.
func (o *Orchestrator) finishLocked(s *session, outcome string) {
	if o.sess != s {
		return
	}
	s.cancel()
	s.release()
	o.setStateLocked(StateIdle)
	o.sess = nil
	o.live--
	close(s.done)

	ctx := context.Background()
	o.metrics.ActiveSessions.Add(ctx, -1)
	o.metrics.RecordSession(ctx, outcome)
}

func (o *Orchestrator) finish(s *session, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finishLocked(s, outcome)
}

// fail publishes a stage failure and ends s. Errors caused by cancellation
// end the session as canceled instead.
func (o *Orchestrator) fail(s *session, stage Stage, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess != s {
		return
	}
	if o.state == StateCanceling || s.ctx.Err() != nil {
		o.finishLocked(s, outcomeCanceled)
		return
	}
	observe.Logger(s.ctx).Warn("dictation failed",
		"stage", stage,
		"err", err,
	)
	o.setStateLocked(StateFailed)
	o.events.Publish(Event{Kind: EventFailed, SessionID: s.id, Stage: stage, Reason: err.Error()})
	o.finishLocked(s, outcomeFailed)
}

func (o *Orchestrator) prepare(s *session) {
	defer close(s.prepared)
	start := time.Now()
	s.prepareErr = s.engine.Prepare(s.ctx)
	o.metrics.RecordStage(s.ctx, observe.StagePrepare, time.Since(start))
}

func (o *Orchestrator) forwardLevels(s *session) {
	levels := o.rec.Levels()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.done:
			return
		case l := <-levels:
			o.events.Publish(Event{Kind: EventLevel, SessionID: s.id, Level: l})
		}
	}
}

// run executes everything after capture. It owns s until it returns.
func (o *Orchestrator) run(s *session) {
	ctx, span := observe.StartSpan(s.ctx, "dictation.session")
	defer span.End()
	log := observe.Logger(ctx)

	buf, err := o.rec.Stop()
	o.metrics.RecordStage(ctx, observe.StageCapture, time.Since(s.startedAt))
	if err != nil {
		o.fail(s, StageCapture, err)
		return
	}

	select {
	case <-s.prepared:
	case <-ctx.Done():
		o.finish(s, outcomeCanceled)
		return
	}
	if s.prepareErr != nil {
		o.fail(s, StagePrepare, s.prepareErr)
		return
	}

	language := o.settings.Language()
	start := time.Now()
	tctx, tspan := observe.StartSpan(ctx, "dictation.transcribe")
	tr, err := s.engine.Transcribe(tctx, buf, o.hints.Hints(language))
	tspan.End()
	o.metrics.RecordStage(ctx, observe.StageTranscribe, time.Since(start))
	if err != nil {
		o.fail(s, StageTranscribe, err)
		return
	}
	raw := strings.TrimSpace(tr.Text)
	if raw == "" {
		log.Info("dictation produced no speech", "audio", buf.Duration())
		o.finish(s, outcomeEmpty)
		return
	}

	if !o.advance(s, StateCorrecting) {
		o.finish(s, outcomeCanceled)
		return
	}
	start = time.Now()
	cr, err := o.corrector.Correct(ctx, raw)
	o.metrics.RecordStage(ctx, observe.StageCorrect, time.Since(start))
	if err != nil {
		o.fail(s, StageCorrect, err)
		return
	}

	res := Result{
		SessionID:     s.id,
		Trigger:       s.trigger,
		ModelID:       s.desc.ID,
		Language:      tr.Language,
		StartedAt:     s.startedAt,
		Raw:           raw,
		Corrected:     cr.Corrected,
		Corrections:   cr.Corrections,
		Text:          cr.Corrected,
		AudioDuration: buf.Duration(),
	}

	if o.settings.RefineEnabled() {
		if !o.advance(s, StateRefining) {
			o.finish(s, outcomeCanceled)
			return
		}
		o.refine(ctx, s, &res)
		if ctx.Err() != nil {
			o.finish(s, outcomeCanceled)
			return
		}
	}

	if !o.advance(s, StateDelivering) {
		o.finish(s, outcomeCanceled)
		return
	}
	res.Duration = time.Since(s.startedAt)
	start = time.Now()
	err = o.sink.Deliver(ctx, res)
	o.metrics.RecordStage(ctx, observe.StageDeliver, time.Since(start))
	if err != nil {
		o.fail(s, StageDeliver, err)
		return
	}

	ev := Event{Kind: EventDelivered, SessionID: s.id, Result: &res}
	if res.RefineErr != nil {
		ev.Stage, ev.Reason = StageRefine, res.RefineErr.Error()
	}
	o.events.Publish(ev)
	log.Info("dictation delivered",
		"model", res.ModelID,
		"chars", len(res.Text),
		"corrections", len(res.Corrections),
		"refined", res.Refined != "",
		"duration", res.Duration,
	)
	o.finish(s, outcomeDelivered)
}

// refine runs the optional refine stage. Failures are recorded on res and
// never abort the session: the corrected transcript is delivered instead.
func (o *Orchestrator) refine(ctx context.Context, s *session, res *Result) {
	provider, ok := o.settings.ActiveProvider()
	o.mu.Lock()
	r := o.refiner
	o.mu.Unlock()
	if !ok || r == nil {
		res.RefineErr = ErrNoProvider
		return
	}
	res.Provider = provider.ID

	req := refine.Request{
		RawText:   res.Corrected,
		Selection: s.trigger.Selection,
		Prompt:    o.settings.ActivePrompt(),
		Provider:  provider,
	}

	var (
		text string
		err  error
	)
	if o.settings.Streaming() {
		var ch <-chan refine.Chunk
		ch, err = r.Stream(ctx, req)
		if err == nil {
			text, err = refine.Collect(ch, func(chunk string) {
				o.events.Publish(Event{Kind: EventRefineChunk, SessionID: s.id, Chunk: chunk})
			})
		}
	} else {
		var out refine.Result
		out, err = r.Refine(ctx, req)
		text = out.Text
	}
	if err != nil {
		if ctx.Err() == nil {
			observe.Logger(ctx).Warn("refine failed, delivering corrected transcript",
				"provider", provider,
				"err", err,
			)
		}
		res.RefineErr = err
		return
	}
	res.Refined = text
	res.Text = text
}
