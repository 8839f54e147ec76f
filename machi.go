// Package machi is the public API for embedding the machi agent town.
//
// A town is a fixed roster of residents who wander between places, talk to
// each other and to visitors, and carry relationship scores that drift with
// every exchange. The App wires the state store, worker pool, simulation
// loop, persistence and HTTP/MCP surface together:
//
//	app, err := machi.New(
//	    machi.WithVersion(version),
//	    machi.WithLogger(logger),
//	    machi.WithEventHook(myHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: machi (root) imports
// internal/*, but internal/* never imports machi (root). Public types
// (Agent, Relationship, etc.) are standalone structs with no internal
// imports; conversion helpers live in convert.go.
package machi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/machi/internal/config"
	"github.com/ashita-ai/machi/internal/events"
	"github.com/ashita-ai/machi/internal/ledger"
	"github.com/ashita-ai/machi/internal/lifecycle"
	"github.com/ashita-ai/machi/internal/mcp"
	"github.com/ashita-ai/machi/internal/memory"
	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/persist"
	"github.com/ashita-ai/machi/internal/ratelimit"
	"github.com/ashita-ai/machi/internal/responder"
	"github.com/ashita-ai/machi/internal/roster"
	"github.com/ashita-ai/machi/internal/server"
	"github.com/ashita-ai/machi/internal/sim"
	"github.com/ashita-ai/machi/internal/state"
	"github.com/ashita-ai/machi/internal/storage"
	"github.com/ashita-ai/machi/internal/telemetry"
	"github.com/ashita-ai/machi/internal/town"
	"github.com/ashita-ai/machi/internal/worker"
)

// hookTimeout bounds a single EventHook call.
const hookTimeout = 5 * time.Second

// App is the machi server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	logger       *slog.Logger
	version      string
	persister    persist.Store
	memory       memory.Store
	memoryDB     *storage.DB // nil unless memories live in pgvector
	pool         *worker.Pool
	hub          *events.Hub
	store        *state.Store
	town         *town.Service
	sim          *sim.Controller
	limiter      ratelimit.Limiter
	srv          *server.Server
	otelShutdown telemetry.Shutdown

	// life is fired once on shutdown. Work started on behalf of a request
	// (the sim loop, autosave) runs under lifeCtx so it outlives the request.
	life       *lifecycle.Signal
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	background sync.WaitGroup

	hookMu      sync.Mutex // guards hooksClosed and hooks.Add
	hooksClosed bool
	hooks       sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// New initialises the town. It loads configuration and the roster, restores
// the last snapshot, connects the configured backends and wires all
// subsystems. It does NOT start any goroutines or accept HTTP connections;
// call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.stateURL != "" {
		cfg.StateURL = o.stateURL
	}
	if o.rosterPath != "" {
		cfg.RosterPath = o.rosterPath
	}
	if o.seed != 0 {
		cfg.SimSeed = o.seed
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("machi starting", "version", version, "port", cfg.Port)

	ctx := context.Background()
	a := &App{cfg: cfg, logger: logger, version: version, life: lifecycle.NewSignal()}

	if err := a.wire(ctx, o); err != nil {
		a.closeResources(ctx)
		return nil, err
	}
	return a, nil
}

// wire builds every subsystem. On error the caller releases whatever was
// already opened through closeResources.
func (a *App) wire(ctx context.Context, o resolvedOptions) error {
	cfg, logger := a.cfg, a.logger

	r, err := loadRoster(cfg.RosterPath)
	if err != nil {
		return err
	}
	logger.Info("roster loaded", "agents", len(r.Agents), "places", len(r.Locations))

	backend := "custom"
	if o.persister == nil {
		backend, _, _ = strings.Cut(cfg.StateURL, "://")
	}
	a.otelShutdown, err = telemetry.Init(ctx, telemetry.Config{
		Endpoint:     cfg.OTELEndpoint,
		Insecure:     cfg.OTELInsecure,
		ServiceName:  cfg.ServiceName,
		Version:      a.version,
		RosterSize:   len(r.Agents),
		StateBackend: backend,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	if o.persister != nil {
		a.persister = persisterAdapter{p: o.persister}
		logger.Info("persist: custom backend")
	} else if a.persister, err = persist.Open(ctx, cfg.StateURL, logger); err != nil {
		return fmt.Errorf("persist: %w", err)
	}

	snap, ok, err := a.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if ok {
		logger.Info("snapshot restored", "store_version", snap.StoreVersion,
			"agents", len(snap.Agents), "relationships", len(snap.Relationships), "taken_at", snap.TakenAt)
	} else {
		snap = model.EmptySnapshot()
		logger.Info("no snapshot found, starting fresh")
	}

	policy := ledger.Policy{
		DecayAfter:        cfg.DecayAfter,
		DecayStep:         cfg.DecayStep,
		ConflictBase:      cfg.ConflictBase,
		ConflictCeiling:   cfg.ConflictCeiling,
		FrequentThreshold: cfg.FrequentThreshold,
	}
	store, err := state.New(roster.Merge(r, snap, time.Now().UTC()),
		state.WithLockTimeout(cfg.LockTimeout),
		state.WithPolicy(policy),
		state.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}
	a.store = store

	resp := newResponder(ctx, cfg, o.responder, logger)
	logger.Info("responder ready", "chain", resp.Name())

	if err := a.openMemory(ctx); err != nil {
		return err
	}

	a.pool = worker.New(worker.Config{
		Workers:              cfg.Workers,
		InteractionQueueSize: cfg.InteractionQueueSize,
		PersistQueueSize:     cfg.PersistQueueSize,
		ResponseTimeout:      cfg.ResponseTimeout,
		PersistTimeout:       cfg.PersistTimeout,
	}, worker.Handlers{
		Respond:  resp.Respond,
		Persist:  town.PersistHandler(a.memory, a.persister),
		Fallback: responder.Fallback,
	}, logger)

	a.hub = events.NewHub(events.DefaultBuffer, logger)
	for _, h := range o.eventHooks {
		a.hub.OnEvent(a.hookAdapter(h))
	}

	actions, err := town.ParseWeights(cfg.SimActions)
	if err != nil {
		return fmt.Errorf("MACHI_SIM_ACTIONS: %w", err)
	}
	a.town, err = town.New(town.Config{
		LockRetries: cfg.LockRetries,
		RetryBase:   50 * time.Millisecond,
		Actions:     actions,
		Policy:      policy,
		Seed:        cfg.SimSeed,
	}, town.Deps{
		Store:         store,
		Pool:          a.pool,
		Memory:        a.memory,
		Persister:     a.persister,
		Events:        a.hub,
		Places:        r.Places(),
		Personalities: r.Personalities(),
	}, logger)
	if err != nil {
		return fmt.Errorf("town: %w", err)
	}

	simOpts := []sim.Option{sim.WithObserver(func(st sim.Status) {
		a.hub.Publish(events.TypeSim, st)
	})}
	if cfg.SimSeed != 0 {
		simOpts = append(simOpts, sim.WithRand(newRand(cfg.SimSeed)))
	}
	a.sim = sim.New(a.town, sim.Policy{
		TickMin:     cfg.SimTickMin,
		TickMax:     cfg.SimTickMax,
		MaxFailures: cfg.SimMaxFailures,
		BackoffStep: cfg.SimBackoffStep,
		BackoffCap:  cfg.SimBackoffCap,
	}, logger, simOpts...)
	a.town.AttachSim(a.sim.Status)

	if cfg.RateLimitEnabled {
		a.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting enabled", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		a.limiter = ratelimit.NoopLimiter{}
	}

	a.lifeCtx, a.lifeCancel = a.life.Context(context.Background())

	mcpSrv := mcp.New(a.town, a.sim.Bind(a.lifeCtx), logger, a.version)
	a.srv = server.New(server.ServerConfig{
		Town:                a.town,
		Logger:              logger,
		Sim:                 a.sim.Bind(a.lifeCtx),
		Hub:                 a.hub,
		Limiter:             a.limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             a.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})
	return nil
}

// Handler returns the HTTP handler with all routes and middleware, for
// embedding under another server or testing without a listener.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Snapshot returns a consistent copy of the town.
func (a *App) Snapshot(ctx context.Context) (Snapshot, error) {
	snap, err := a.town.Snapshot(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return toPublicSnapshot(snap), nil
}

// Run starts the worker pool, the simulation loop (when autostart is on),
// autosave and the HTTP server, then blocks until ctx is cancelled or a
// fatal server error occurs. On return, Shutdown has been called; callers
// should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	a.pool.Start(a.lifeCtx)

	if a.cfg.SimAutostart {
		if err := a.sim.Start(a.lifeCtx); err != nil {
			a.logger.Warn("sim: autostart skipped", "error", err)
		}
	}

	a.background.Add(1)
	go func() {
		defer a.background.Done()
		a.town.AutosaveLoop(a.lifeCtx, a.cfg.AutosaveInterval)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case <-a.life.Done():
	case runErr = <-errCh:
		a.logger.Error("http server failed", "error", runErr)
	}

	return errors.Join(runErr, a.Shutdown(context.Background()))
}

// Shutdown stops the town in order: the shutdown signal fires and the
// simulation loop stops, so neither the loop nor a late start command can
// begin new ticks; then HTTP (in-flight commands finish), background loops, the
// worker pool (queued memories and autosaves flush), a final synchronous
// snapshot, event hooks, and finally every backend connection. Safe to call
// more than once; later calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown(ctx)
	})
	return a.shutdownErr
}

func (a *App) shutdown(ctx context.Context) error {
	a.logger.Info("machi shutting down")
	grace := a.cfg.ShutdownGrace

	err := lifecycle.Shutdown(ctx, a.logger,
		lifecycle.Phase{Name: "sim", Timeout: grace, Run: func(ctx context.Context) error {
			// Fired before Stop: every sim handle is bound to lifeCtx and
			// refuses to relaunch the loop from here on.
			a.life.Fire()
			if a.lifeCancel != nil {
				a.lifeCancel()
			}
			return a.sim.Stop(ctx)
		}},
		lifecycle.Phase{Name: "http", Timeout: grace, Run: a.srv.Shutdown},
		lifecycle.Phase{Name: "background", Timeout: grace, Run: func(ctx context.Context) error {
			return waitGroup(ctx, &a.background)
		}},
		lifecycle.Phase{Name: "workers", Timeout: grace, Run: func(ctx context.Context) error {
			err := a.pool.Stop(ctx)
			if n := a.pool.Abandoned(); n > 0 {
				a.logger.Warn("workers: tasks abandoned at shutdown", "count", n)
			}
			return err
		}},
		lifecycle.Phase{Name: "final-save", Timeout: grace, Run: func(ctx context.Context) error {
			snap, err := a.town.Save(ctx)
			if err != nil {
				return err
			}
			a.logger.Info("final snapshot saved", "store_version", snap.StoreVersion)
			return nil
		}},
		lifecycle.Phase{Name: "hooks", Timeout: hookTimeout, Run: func(ctx context.Context) error {
			a.hookMu.Lock()
			a.hooksClosed = true
			a.hookMu.Unlock()
			return waitGroup(ctx, &a.hooks)
		}},
	)

	a.closeResources(context.Background())
	a.logger.Info("machi stopped")
	return err
}

// closeResources releases backend connections. Every field may be nil.
func (a *App) closeResources(ctx context.Context) {
	if a.life != nil {
		a.life.Fire()
	}
	if a.lifeCancel != nil {
		a.lifeCancel()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.memory != nil {
		if err := a.memory.Close(); err != nil {
			a.logger.Warn("memory: close failed", "error", err)
		}
	}
	if a.memoryDB != nil {
		a.memoryDB.Close()
	}
	if a.persister != nil {
		if err := a.persister.Close(); err != nil {
			a.logger.Warn("persist: close failed", "error", err)
		}
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(ctx)
	}
}

// hookAdapter runs h for each hub event on its own goroutine, bounded by
// hookTimeout and tracked so shutdown can wait for in-flight calls.
func (a *App) hookAdapter(h EventHook) func(events.Event) {
	return func(e events.Event) {
		a.hookMu.Lock()
		if a.hooksClosed {
			a.hookMu.Unlock()
			return
		}
		a.hooks.Add(1)
		a.hookMu.Unlock()

		pub := toPublicEvent(e)
		go func() {
			defer a.hooks.Done()
			ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
			defer cancel()
			if err := h.OnEvent(ctx, pub); err != nil {
				a.logger.Warn("event hook failed", "type", pub.Type, "error", err)
			}
		}()
	}
}

// openMemory selects the long-term memory backend. In auto mode a backend
// that cannot be reached degrades to no memory; an explicitly requested one
// is fatal.
func (a *App) openMemory(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	embedder := memory.NewOllamaEmbedder(cfg.OllamaURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions)

	kind := cfg.Memory
	if kind == "auto" {
		switch {
		case cfg.QdrantURL != "":
			kind = "qdrant"
		case cfg.PGVectorURL != "":
			kind = "pgvector"
		default:
			kind = "noop"
		}
	}

	var err error
	switch kind {
	case "qdrant":
		err = a.openQdrant(ctx, embedder)
	case "pgvector":
		err = a.openPGVector(ctx, embedder)
	default:
		a.memory = memory.Noop{}
		logger.Info("memory: noop (residents will not remember conversations)")
		return nil
	}
	if err == nil {
		return nil
	}
	if cfg.Memory != "auto" {
		return fmt.Errorf("memory: %w", err)
	}
	logger.Warn("memory backend unavailable, continuing without memories", "backend", kind, "error", err)
	a.memory = memory.Noop{}
	return nil
}

func (a *App) openQdrant(ctx context.Context, embedder memory.Embedder) error {
	cfg := a.cfg
	if cfg.QdrantURL == "" {
		return errors.New("QDRANT_URL is required when MACHI_MEMORY=qdrant")
	}
	qs, err := memory.NewQdrantStore(memory.QdrantConfig{
		URL:        cfg.QdrantURL,
		APIKey:     cfg.QdrantAPIKey,
		Collection: cfg.QdrantCollection,
	}, embedder, a.logger)
	if err != nil {
		return err
	}
	ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := qs.EnsureCollection(ensureCtx); err != nil {
		_ = qs.Close()
		return err
	}
	a.memory = qs
	a.logger.Info("memory: qdrant", "collection", cfg.QdrantCollection, "dimensions", cfg.EmbeddingDimensions)
	return nil
}

func (a *App) openPGVector(ctx context.Context, embedder memory.Embedder) error {
	cfg := a.cfg
	if cfg.PGVectorURL == "" {
		return errors.New("MACHI_PGVECTOR_URL is required when MACHI_MEMORY=pgvector")
	}
	db, err := storage.New(ctx, cfg.PGVectorURL, a.logger)
	if err != nil {
		return err
	}
	ps := memory.NewPGVectorStore(db, embedder, a.logger)
	if err := ps.EnsureSchema(ctx); err != nil {
		db.Close()
		return err
	}
	a.memory, a.memoryDB = ps, db
	a.logger.Info("memory: pgvector", "dimensions", cfg.EmbeddingDimensions)
	return nil
}

// newResponder builds the dialogue chain. The placeholder always closes the
// chain so an unavailable backend never surfaces as an error.
func newResponder(ctx context.Context, cfg config.Config, custom Responder, logger *slog.Logger) responder.Responder {
	if custom != nil {
		return responder.NewChain(logger, responderAdapter{r: custom}, responder.Placeholder{})
	}

	var chain []responder.Responder
	ollama := func() { chain = append(chain, responder.NewOllama(cfg.OllamaURL, cfg.OllamaChatModel)) }
	openai := func() {
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required for the openai responder")
			return
		}
		chain = append(chain, responder.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel))
	}
	gemini := func() {
		if cfg.GeminiAPIKey == "" {
			logger.Error("GEMINI_API_KEY required for the gemini responder")
			return
		}
		g, err := responder.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			logger.Error("gemini responder init failed", "error", err)
			return
		}
		chain = append(chain, g)
	}

	switch cfg.Responder {
	case "ollama":
		ollama()
	case "openai":
		openai()
	case "gemini":
		gemini()
	case "placeholder":
	default:
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if responder.NewOllama(cfg.OllamaURL, cfg.OllamaChatModel).Reachable(probeCtx) {
			ollama()
		}
		cancel()
		if cfg.OpenAIAPIKey != "" {
			openai()
		}
		if cfg.GeminiAPIKey != "" {
			gemini()
		}
		if len(chain) == 0 {
			logger.Warn("no language model available, residents will use stock lines")
		}
	}
	chain = append(chain, responder.Placeholder{})
	return responder.NewChain(logger, chain...)
}

func loadRoster(path string) (roster.Roster, error) {
	if path == "" {
		r, err := roster.Default()
		if err != nil {
			return roster.Roster{}, fmt.Errorf("roster: %w", err)
		}
		return r, nil
	}
	r, err := roster.Load(path)
	if err != nil {
		return roster.Roster{}, fmt.Errorf("roster %s: %w", path, err)
	}
	return r, nil
}

// waitGroup waits for wg or ctx, whichever comes first.
func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
