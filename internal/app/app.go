// Package app wires every voxscribe subsystem into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the control API until its context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithDevice,
// WithEngineFactory, WithHistory, ...). When an option is not provided, New
// creates the real implementation from the config.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/MrWong99/voxscribe/internal/config"
	"github.com/MrWong99/voxscribe/internal/control"
	"github.com/MrWong99/voxscribe/internal/delivery"
	"github.com/MrWong99/voxscribe/internal/dictation"
	"github.com/MrWong99/voxscribe/internal/health"
	"github.com/MrWong99/voxscribe/internal/history"
	"github.com/MrWong99/voxscribe/internal/history/postgres"
	"github.com/MrWong99/voxscribe/internal/observe"
	"github.com/MrWong99/voxscribe/internal/refine"
	"github.com/MrWong99/voxscribe/internal/resilience"
	"github.com/MrWong99/voxscribe/internal/transcript"
	"github.com/MrWong99/voxscribe/internal/transcript/phonetic"
	"github.com/MrWong99/voxscribe/pkg/audio/capture"
	"github.com/MrWong99/voxscribe/pkg/catalog"
	"github.com/MrWong99/voxscribe/pkg/modelstore"
	"github.com/MrWong99/voxscribe/pkg/provider/asr/cloud"
	"github.com/MrWong99/voxscribe/pkg/provider/asr/legacy"
	"github.com/MrWong99/voxscribe/pkg/provider/asr/neural"
)

// App owns all subsystem lifetimes.
type App struct {
	src      config.Source
	settings *config.LiveSettings
	logLevel *slog.LevelVar
	metrics  *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	catalog  *catalog.Catalog
	store    *modelstore.Store
	recorder *capture.Session
	booster  *transcript.Booster
	dict     *transcript.Dictionary
	pipeline *transcript.Pipeline
	history  history.Store
	sink     dictation.Sink
	orch     *dictation.Orchestrator
	server   *control.Server
	watcher  *config.Watcher

	// Injected or defaulted collaborators.
	device     capture.Device
	engines    dictation.EngineFactory
	listener   net.Listener
	configPath string
	storeOpts  []modelstore.Option
	refineOpts []refine.Option

	// closers are called in order during Shutdown.
	closers []func() error

	// reloadMu serialises configuration reloads. ready is set once every
	// subsystem exists; reloads before that are dropped.
	reloadMu sync.Mutex
	ready    bool

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevice injects the capture device instead of the system microphone.
func WithDevice(d capture.Device) Option {
	return func(a *App) { a.device = d }
}

// WithEngineFactory replaces the family-based engine construction.
func WithEngineFactory(f dictation.EngineFactory) Option {
	return func(a *App) { a.engines = f }
}

// WithHistory injects a history store instead of creating one from config.
func WithHistory(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// WithSink replaces the configured delivery sinks. History recording still
// wraps it.
func WithSink(s dictation.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithListener makes Run serve on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithConfigPath enables hot reload: the file is polled and edits are
// applied without restart where possible.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithLogLevel lets configuration reloads adjust the process log level.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithModelStoreOptions appends options to the model store construction.
func WithModelStoreOptions(opts ...modelstore.Option) Option {
	return func(a *App) { a.storeOpts = append(a.storeOpts, opts...) }
}

// WithRefineOptions appends options to every refine processor built from
// config.
func WithRefineOptions(opts ...refine.Option) Option {
	return func(a *App) { a.refineOpts = append(a.refineOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must be
// validated; with [WithConfigPath] the watcher's view of the file takes over
// after the first change.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.logLevel == nil {
		a.logLevel = new(slog.LevelVar)
	}
	a.logLevel.Set(cfg.Server.LogLevel.Level())

	// Watcher callbacks wait for the lock and then see ready.
	a.reloadMu.Lock()
	err := a.init(ctx, cfg)
	a.ready = err == nil
	a.reloadMu.Unlock()

	if err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, cfg *config.Config) error {
	// ── 1. Configuration source ──────────────────────────────────────────
	if err := a.initConfig(cfg); err != nil {
		return fmt.Errorf("app: init config: %w", err)
	}
	cfg = a.src.Current()

	// ── 2. Catalog + model store ─────────────────────────────────────────
	if err := a.initModels(cfg); err != nil {
		return fmt.Errorf("app: init models: %w", err)
	}

	// ── 3. Vocabulary + correction ───────────────────────────────────────
	a.initTranscript(cfg)

	// ── 4. History + delivery ────────────────────────────────────────────
	if err := a.initHistory(ctx, cfg); err != nil {
		return fmt.Errorf("app: init history: %w", err)
	}
	if err := a.initDelivery(cfg); err != nil {
		return fmt.Errorf("app: init delivery: %w", err)
	}

	// ── 5. Orchestrator ──────────────────────────────────────────────────
	if err := a.initOrchestrator(cfg); err != nil {
		return fmt.Errorf("app: init orchestrator: %w", err)
	}

	// ── 6. Control API ───────────────────────────────────────────────────
	if err := a.initControl(cfg); err != nil {
		return fmt.Errorf("app: init control: %w", err)
	}
	return nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initConfig starts the file watcher when a config path is set.
func (a *App) initConfig(cfg *config.Config) error {
	a.src = config.Static{Config: cfg}
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig)
		if err != nil {
			return err
		}
		a.watcher = w
		a.src = w
		a.closers = append(a.closers, func() error { w.Stop(); return nil })
	}
	a.settings = config.NewLiveSettings(a.src)
	return nil
}

// initModels builds the catalog and the model store with one loader per
// backend family.
func (a *App) initModels(cfg *config.Config) error {
	cat, err := cfg.Catalog()
	if err != nil {
		return err
	}
	if _, ok := cat.Lookup(cfg.Models.Active); !ok {
		return fmt.Errorf("models.active %q is not in the catalog", cfg.Models.Active)
	}
	a.catalog = cat

	opts := []modelstore.Option{
		modelstore.WithLoader(catalog.FamilyOnDeviceV1, legacy.Loader{}),
		modelstore.WithLoader(catalog.FamilyOnDeviceV2, neural.NewLoader(cfg.Transcription.LocalServerURL)),
		modelstore.WithLoader(catalog.FamilyCloud, cloud.Loader{}),
		modelstore.WithProgressInterval(cfg.Models.ProgressInterval),
		modelstore.WithProgressStep(cfg.Models.ProgressStep),
		modelstore.WithRecorder(a.metrics),
	}
	store, err := modelstore.New(cfg.Models.CacheDir, cat, append(opts, a.storeOpts...)...)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

// initTranscript builds the booster, the dictionary with vocabulary aliases
// folded in, and the correction pipeline.
func (a *App) initTranscript(cfg *config.Config) {
	a.booster = transcript.NewBooster(cfg.Vocabulary.Terms,
		transcript.WithMaxHintTerms(cfg.Vocabulary.MaxHintTerms))
	a.dict = transcript.NewDictionary(
		transcript.MergeAliases(cfg.Dictionary, cfg.Vocabulary.Terms))

	popts := []transcript.PipelineOption{transcript.WithBooster(a.booster)}
	if m := phoneticMatcher(cfg.Vocabulary.Phonetic); m != nil {
		popts = append(popts, transcript.WithPhoneticMatcher(m))
	}
	a.pipeline = transcript.NewPipeline(a.dict, popts...)
}

// initHistory connects the PostgreSQL history when a DSN is configured and
// falls back to the in-memory ring otherwise.
func (a *App) initHistory(ctx context.Context, cfg *config.Config) error {
	if a.history != nil {
		return nil
	}
	if cfg.History.PostgresDSN == "" {
		a.history = history.NewMemory(cfg.History.MemoryLimit)
		return nil
	}
	store, err := postgres.NewStore(ctx, cfg.History.PostgresDSN)
	if err != nil {
		return err
	}
	a.history = store
	a.closers = append(a.closers, func() error { store.Close(); return nil })
	return nil
}

// initDelivery builds the configured sinks and wraps them with history
// recording.
func (a *App) initDelivery(cfg *config.Config) error {
	sink := a.sink
	if sink == nil {
		sinks := make(delivery.Multi, 0, len(cfg.Delivery.Sinks))
		for _, k := range cfg.Delivery.Sinks {
			switch k {
			case config.SinkClipboard:
				sinks = append(sinks, delivery.NewClipboard())
			case config.SinkStdout:
				sinks = append(sinks, delivery.NewWriter(os.Stdout))
			default:
				return fmt.Errorf("unknown delivery sink %q", k)
			}
		}
		sink = sinks
	}
	a.sink = delivery.NewRecorder(sink, a.history)
	return nil
}

// initOrchestrator builds the capture session and the orchestrator.
func (a *App) initOrchestrator(cfg *config.Config) error {
	if a.device == nil {
		a.device = capture.MalgoDevice{}
	}
	a.recorder = capture.NewSession(a.device, capture.Config{
		SampleRate:  cfg.Audio.SampleRate,
		Channels:    cfg.Audio.Channels,
		MaxDuration: cfg.Audio.MaxDuration,
	})
	if a.engines == nil {
		a.engines = a.newEngine
	}

	orch, err := dictation.New(dictation.Config{
		Catalog:   a.catalog,
		Models:    a.store,
		Engines:   a.engines,
		Recorder:  a.recorder,
		Settings:  a.settings,
		Hints:     a.booster,
		Corrector: a.pipeline,
		Refiner:   a.newRefiner(cfg.Refine),
		Sink:      a.sink,
	}, dictation.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

// initControl builds the control API with readiness checks for the model
// cache and, when persistent, the history database.
func (a *App) initControl(cfg *config.Config) error {
	checkers := []health.Checker{
		health.DirWritable("model_cache", cfg.Models.CacheDir),
		health.Func("active_model", "active model is not in the catalog", func() bool {
			_, err := a.orch.ActiveDescriptor()
			return err == nil
		}),
	}
	if p, ok := a.history.(health.Pinger); ok {
		checkers = append(checkers, health.Ping("history", p))
	}

	ccfg := control.Config{
		Dictation: a.orch,
		Catalog:   a.catalog,
		Models:    a.store,
		History:   a.history,
		Activate:  a.activateModel,
		Health:    health.New(checkers...),
		Metrics:   a.metrics,
	}
	if a.watcher != nil {
		ccfg.Reload = a.watcher.Check
	}
	srv, err := control.New(ccfg)
	if err != nil {
		return err
	}
	a.server = srv
	return nil
}

// newRefiner builds a processor for rc. The provider and prompt are read
// live on every session, so only processor-level settings live here.
func (a *App) newRefiner(rc config.RefineConfig) *refine.Processor {
	opts := []refine.Option{
		refine.WithCredentialResolver(config.ResolveCredential),
		refine.WithTimeout(rc.Timeout),
		refine.WithClassifier(refine.NewReasoningClassifier(rc.ReasoningModels)),
		refine.WithBreakerConfig(resilience.Config{
			Threshold: rc.CircuitBreaker.MaxFailures,
			Cooldown:  rc.CircuitBreaker.ResetTimeout,
			Probes:    rc.CircuitBreaker.HalfOpenMax,
		}),
		refine.WithMetrics(a.metrics),
	}
	if len(rc.LocalHosts) > 0 {
		opts = append(opts, refine.WithLocalHosts(rc.LocalHosts...))
	}
	return refine.New(append(opts, a.refineOpts...)...)
}

// activateModel selects id for the next dictation and starts preparing it in
// the background.
func (a *App) activateModel(id string) error {
	desc, ok := a.catalog.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %q", dictation.ErrUnknownModel, id)
	}
	a.settings.SetActiveModelID(id)
	slog.Info("active model changed", "model", id)
	go func() {
		if err := a.store.EnsureReady(context.Background(), desc); err != nil {
			slog.Warn("preparing active model failed", "model", id, "err", err)
		}
	}()
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control API and blocks until ctx is cancelled or the server
// fails. The model cache is scanned in the background on start.
func (a *App) Run(ctx context.Context) error {
	cfg := a.src.Current()

	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen on %s: %w", cfg.Server.ListenAddr, err)
		}
	}
	tlsCfg, err := a.tlsConfig(cfg)
	if err != nil {
		ln.Close()
		return err
	}

	a.store.CheckExistenceAsync()

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Serve(ln, tlsCfg) }()

	slog.Info("app running", "addr", ln.Addr().String(), "active_model", a.settings.ActiveModelID())

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err == nil {
			return errors.New("app: control server stopped unexpectedly")
		}
		return err
	}
}

func (a *App) tlsConfig(cfg *config.Config) (*tls.Config, error) {
	if cfg.Server.TLS == nil {
		return nil, nil
	}
	return control.LoadTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Orchestrator returns the dictation orchestrator, for in-process
// dispatchers such as a hotkey listener.
func (a *App) Orchestrator() *dictation.Orchestrator { return a.orch }

// Server returns the control API server.
func (a *App) Server() *control.Server { return a.server }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. The control server stops first so no
// new dictation can start, then the live session is cancelled and the
// remaining closers run in order. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("control server shutdown error", "err", err)
		}
		if err := a.orch.Close(ctx); err != nil {
			slog.Warn("orchestrator close error", "err", err)
		}
		a.orch.Events().Close()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers collected so far. Used when New fails midway.
func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	a.closers = nil
}

// phoneticMatcher builds the phonetic stage, or nil when disabled.
func phoneticMatcher(pc config.PhoneticConfig) transcript.PhoneticMatcher {
	if !pc.Enabled {
		return nil
	}
	var opts []phonetic.Option
	if pc.PhoneticThreshold > 0 {
		opts = append(opts, phonetic.WithPhoneticThreshold(pc.PhoneticThreshold))
	}
	if pc.FuzzyThreshold > 0 {
		opts = append(opts, phonetic.WithFuzzyThreshold(pc.FuzzyThreshold))
	}
	if pc.MinLength > 0 {
		opts = append(opts, phonetic.WithMinLength(pc.MinLength))
	}
	return phonetic.New(opts...)
}
