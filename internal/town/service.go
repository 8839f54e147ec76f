// Package town is the command surface of the coordinator.
//
// Both the HTTP API and the MCP server delegate to Service, which is also
// the simulation loop's stepper. Every state change goes through the state
// store's guarded accessors with lock-timeout retry; response generation and
// best-effort writes go through the worker pool.
package town

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/machi/internal/events"
	"github.com/ashita-ai/machi/internal/ledger"
	"github.com/ashita-ai/machi/internal/memory"
	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/persist"
	"github.com/ashita-ai/machi/internal/sim"
	"github.com/ashita-ai/machi/internal/state"
	"github.com/ashita-ai/machi/internal/worker"
)

// Visitor is the partner name recorded for memories of user conversations.
const Visitor = "visitor"

// chatEmotionLift nudges an agent's mood after talking with a visitor.
const chatEmotionLift = 0.05

// recallTimeout bounds memory lookups on the command path.
const recallTimeout = 2 * time.Second

// Pool is the part of the worker pool the service uses.
type Pool interface {
	Respond(ctx context.Context, p model.InteractionPayload) (worker.Response, error)
	SubmitPersist(p model.PersistPayload) error
	Stats() []worker.QueueStats
}

// Config tunes the service.
type Config struct {
	LockRetries int
	RetryBase   time.Duration
	Actions     Weights
	Policy      ledger.Policy
	Seed        uint64 // 0 seeds from the clock
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		LockRetries: 3,
		RetryBase:   50 * time.Millisecond,
		Actions:     DefaultWeights(),
		Policy:      ledger.DefaultPolicy(),
	}
}

// Deps are the collaborators of a Service. Memory, Persister and Events may
// be nil.
type Deps struct {
	Store         *state.Store
	Pool          Pool
	Memory        memory.Store
	Persister     persist.Store
	Events        *events.Hub
	Places        []model.Location
	Personalities map[string]string
}

// Service implements the town commands.
type Service struct {
	cfg           Config
	store         *state.Store
	pool          Pool
	memory        memory.Store
	persister     persist.Store
	events        *events.Hub
	places        []model.Location
	personalities map[string]string
	logger        *slog.Logger
	now           func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	lastMu sync.Mutex
	last   map[string]model.StepKind

	pairMu sync.Mutex
	busy   map[model.PairKey]struct{}

	simMu     sync.RWMutex
	simStatus func() sim.Status
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects the time source used for interaction timestamps.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithRand injects the random source for autonomous steps.
func WithRand(r *rand.Rand) Option { return func(s *Service) { s.rng = r } }

// New creates a Service.
func New(cfg Config, deps Deps, logger *slog.Logger, opts ...Option) (*Service, error) {
	if deps.Store == nil || deps.Pool == nil {
		return nil, errors.New("town: store and pool are required")
	}
	if len(deps.Places) == 0 {
		return nil, errors.New("town: at least one place is required")
	}
	if cfg.LockRetries < 0 {
		cfg.LockRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig().RetryBase
	}
	if cfg.Actions.total() == 0 {
		cfg.Actions = DefaultWeights()
	}
	if deps.Memory == nil {
		deps.Memory = memory.Noop{}
	}
	s := &Service{
		cfg:           cfg,
		store:         deps.Store,
		pool:          deps.Pool,
		memory:        deps.Memory,
		persister:     deps.Persister,
		events:        deps.Events,
		places:        slices.Clone(deps.Places),
		personalities: deps.Personalities,
		logger:        logger,
		now:           time.Now,
		last:          make(map[string]model.StepKind),
		busy:          make(map[model.PairKey]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.rng == nil {
		seed := cfg.Seed
		if seed == 0 {
			seed = uint64(time.Now().UnixNano()) //nolint:gosec // clock seed
		}
		s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
	return s, nil
}

// AttachSim lets Stats report the simulation loop's status.
func (s *Service) AttachSim(status func() sim.Status) {
	s.simMu.Lock()
	s.simStatus = status
	s.simMu.Unlock()
}

// Places returns the town's locations.
func (s *Service) Places() []model.Location { return slices.Clone(s.places) }

func (s *Service) hasPlace(l model.Location) bool {
	return slices.Contains(s.places, l)
}

func (s *Service) retry(ctx context.Context, fn func() error) error {
	return state.WithRetry(ctx, s.cfg.LockRetries, s.cfg.RetryBase, fn)
}

func (s *Service) publish(typ string, data any) {
	if s.events != nil {
		s.events.Publish(typ, data)
	}
}

// Agents returns every agent in name order.
func (s *Service) Agents(ctx context.Context) ([]model.AgentRecord, error) {
	names := s.store.Names()
	out := make([]model.AgentRecord, 0, len(names))
	for _, n := range names {
		a, err := s.Agent(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Agent returns one agent.
func (s *Service) Agent(ctx context.Context, name string) (model.AgentRecord, error) {
	var rec model.AgentRecord
	err := s.retry(ctx, func() error {
		var err error
		rec, err = s.store.Agent(ctx, name)
		return err
	})
	return rec, err
}

// Relationship returns the edge between a and b, decayed to now.
func (s *Service) Relationship(ctx context.Context, a, b string) (model.RelationshipEdge, error) {
	var edge model.RelationshipEdge
	err := s.retry(ctx, func() error {
		var err error
		edge, err = s.store.Edge(ctx, a, b)
		return err
	})
	return edge, err
}

// MoveResult reports a committed move.
type MoveResult struct {
	Agent string         `json:"agent"`
	From  model.Location `json:"from"`
	To    model.Location `json:"to"`
}

// Move relocates an agent.
func (s *Service) Move(ctx context.Context, name string, to model.Location) (model.AgentRecord, error) {
	to = model.Location(strings.ToLower(strings.TrimSpace(string(to))))
	if !s.hasPlace(to) {
		return model.AgentRecord{}, fmt.Errorf("town: %q: %w", to, model.ErrUnknownLocation)
	}
	res, err := s.move(ctx, name, to)
	if err != nil {
		return model.AgentRecord{}, err
	}
	s.publish(events.TypeMove, res)
	return s.Agent(ctx, name)
}

func (s *Service) move(ctx context.Context, name string, to model.Location) (MoveResult, error) {
	res := MoveResult{Agent: name, To: to}
	err := s.retry(ctx, func() error {
		return s.store.WithAgent(ctx, name, func(a *model.AgentRecord) error {
			res.From = a.Location
			a.Location = to
			return nil
		})
	})
	return res, err
}

// Converse sends a visitor's message to an agent and returns the reply. A
// slow or unavailable responder yields an in-character fallback line; only
// a full interaction queue or an unknown agent is an error.
func (s *Service) Converse(ctx context.Context, name, message string) (model.ChatReply, error) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("machi.agent", name))

	// 1. Read the speaker.
	rec, err := s.Agent(ctx, name)
	if err != nil {
		return model.ChatReply{}, err
	}

	// 2. Recall related memories. Failure only thins the prompt.
	memories := s.recall(ctx, name, message)

	// 3. Ask the responder through the pool.
	resp, err := s.pool.Respond(ctx, model.InteractionPayload{
		Speaker:     rec,
		Personality: s.personalities[name],
		Message:     message,
		Type:        model.InteractionFriendly,
		Score:       model.ScoreNeutral,
		Memories:    memories,
	})
	if err != nil {
		return model.ChatReply{}, fmt.Errorf("town: converse with %s: %w", name, err)
	}

	// 4. Nudge the agent's mood.
	err = s.retry(ctx, func() error {
		return s.store.WithAgent(ctx, name, func(a *model.AgentRecord) error {
			a.Emotion = model.ClampEmotion(a.Emotion + chatEmotionLift)
			rec = *a
			return nil
		})
	})
	if err != nil {
		return model.ChatReply{}, err
	}
	if updated, err := s.store.Agent(ctx, name); err == nil {
		rec = updated
	}

	// 5. Remember the exchange, best effort.
	if !resp.Fallback {
		s.remember(model.Memory{
			Agent:   name,
			Partner: Visitor,
			Kind:    "chat",
			Content: fmt.Sprintf("A visitor said %q and I answered %q", message, resp.Text),
		})
	}

	reply := model.ChatReply{
		Agent:    name,
		Text:     resp.Text,
		Fallback: resp.Fallback,
		Mood:     rec.Mood(),
		Version:  rec.Version,
	}
	if resp.Reason != nil {
		reply.Reason = resp.Reason.Error()
	}
	s.publish(events.TypeChat, reply)
	return reply, nil
}

func (s *Service) recall(ctx context.Context, agent, query string) []model.Memory {
	ctx, cancel := context.WithTimeout(ctx, recallTimeout)
	defer cancel()
	mems, err := s.memory.Recall(ctx, agent, query, memory.DefaultRecall)
	if err != nil {
		s.logger.Debug("town: memory recall failed", "agent", agent, "error", err)
		return nil
	}
	return mems
}

func (s *Service) remember(m model.Memory) {
	m.ID = uuid.New()
	m.CreatedAt = s.now().UTC()
	_ = s.pool.SubmitPersist(model.PersistPayload{Memory: &m})
}

// Snapshot returns a consistent copy of all state.
func (s *Service) Snapshot(ctx context.Context) (model.Snapshot, error) {
	var snap model.Snapshot
	err := s.retry(ctx, func() error {
		var err error
		snap, err = s.store.Snapshot(ctx)
		return err
	})
	return snap, err
}

// ErrNoPersister is returned by Save when no backend is configured.
var ErrNoPersister = errors.New("town: no persistence backend configured")

// Save persists a fresh snapshot synchronously.
func (s *Service) Save(ctx context.Context) (model.Snapshot, error) {
	if s.persister == nil {
		return model.Snapshot{}, ErrNoPersister
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return model.Snapshot{}, err
	}
	if err := s.persister.Save(ctx, snap); err != nil {
		return model.Snapshot{}, fmt.Errorf("town: save: %w", err)
	}
	s.logger.Info("town: state saved", "store_version", snap.StoreVersion)
	return snap, nil
}

// AutosaveLoop enqueues a snapshot persistence task every interval until
// ctx is done. Snapshots that cannot be taken or queued are skipped.
func (s *Service) AutosaveLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastVersion uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if v := s.store.Version(); v == lastVersion && lastVersion != 0 {
			continue
		}
		snap, err := s.Snapshot(ctx)
		if err != nil {
			s.logger.Warn("town: autosave snapshot failed", "error", err)
			continue
		}
		if err := s.pool.SubmitPersist(model.PersistPayload{Snapshot: &snap}); err == nil {
			lastVersion = snap.StoreVersion
		}
	}
}

// PersistHandler executes persistence tasks for the worker pool: memories
// go to mem, snapshots to p. Either may be nil.
func PersistHandler(mem memory.Store, p persist.Store) func(context.Context, model.PersistPayload) error {
	return func(ctx context.Context, payload model.PersistPayload) error {
		var errs []error
		if payload.Memory != nil && mem != nil {
			if err := mem.Remember(ctx, *payload.Memory); err != nil {
				errs = append(errs, fmt.Errorf("remember: %w", err))
			}
		}
		if payload.Snapshot != nil && p != nil {
			if err := p.Save(ctx, *payload.Snapshot); err != nil {
				errs = append(errs, fmt.Errorf("save snapshot: %w", err))
			}
		}
		return errors.Join(errs...)
	}
}
