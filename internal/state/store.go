// Package state owns every AgentRecord and RelationshipEdge in the town.
//
// All access goes through guarded accessors. Guards are always acquired in
// one order:
//
//	agent guards (sorted by name) → ledger index guard → edge guard
//
// The ledger index guard is only held long enough to find or create an edge
// cell and is released before the edge guard is taken, so different edges
// can be mutated in parallel. Callbacks passed to the accessors must not
// call back into the Store.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/machi/internal/ledger"
	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/telemetry"
)

// DefaultLockTimeout bounds every guard acquisition.
const DefaultLockTimeout = 5 * time.Second

type agentCell struct {
	guard *guard
	rec   model.AgentRecord
}

type edgeCell struct {
	guard *guard
	edge  model.RelationshipEdge
	// refs counts callers between edgeCell and releaseCell; it only grows
	// under the index guard.
	refs atomic.Int32
	// committed is false for a cell created on demand until its first
	// change lands. Such cells are not part of the town yet.
	committed atomic.Bool
}

// Seed is the initial content of a Store.
type Seed struct {
	Agents  []model.AgentRecord
	Edges   []model.RelationshipEdge
	Version uint64
}

// Store is the versioned state store.
type Store struct {
	agents map[string]*agentCell // fixed after New
	names  []string              // sorted

	index *guard
	edges map[model.PairKey]*edgeCell // guarded by index

	version     atomic.Uint64
	lockTimeout time.Duration
	now         func() time.Time
	policy      ledger.Policy
	logger      *slog.Logger

	lockTimeouts metric.Int64Counter
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout overrides DefaultLockTimeout.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithClock injects the time source used for UpdatedAt stamps and decay.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithPolicy sets the decay policy applied when edges are read.
func WithPolicy(p ledger.Policy) Option {
	return func(s *Store) { s.policy = p }
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New builds a Store from seed. The agent set is fixed from here on.
func New(seed Seed, opts ...Option) (*Store, error) {
	s := &Store{
		agents:      make(map[string]*agentCell, len(seed.Agents)),
		index:       newGuard(),
		edges:       make(map[model.PairKey]*edgeCell, len(seed.Edges)),
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
		policy:      ledger.DefaultPolicy(),
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}

	for _, a := range seed.Agents {
		if a.Name == "" {
			return nil, fmt.Errorf("state: agent with empty name")
		}
		if _, dup := s.agents[a.Name]; dup {
			return nil, fmt.Errorf("state: duplicate agent %q", a.Name)
		}
		a.Emotion = model.ClampEmotion(a.Emotion)
		s.agents[a.Name] = &agentCell{guard: newGuard(), rec: a}
		s.names = append(s.names, a.Name)
	}
	sort.Strings(s.names)

	for _, e := range seed.Edges {
		e.Pair = model.NewPairKey(e.Pair.A, e.Pair.B)
		if e.Pair.A == e.Pair.B {
			return nil, fmt.Errorf("state: self edge for %q", e.Pair.A)
		}
		if s.agents[e.Pair.A] == nil || s.agents[e.Pair.B] == nil {
			return nil, fmt.Errorf("state: edge %s references unknown agent: %w", e.Pair, model.ErrAgentNotFound)
		}
		e.Score = model.ClampScore(e.Score)
		ec := &edgeCell{guard: newGuard(), edge: e}
		ec.committed.Store(true)
		s.edges[e.Pair] = ec
	}
	s.version.Store(seed.Version)

	s.lockTimeouts = telemetry.NewLockTimeoutCounter()
	return s, nil
}

// Names returns all agent names in sorted order.
func (s *Store) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Has reports whether name is a registered agent.
func (s *Store) Has(name string) bool {
	_, ok := s.agents[name]
	return ok
}

// Version returns the global commit counter. It increases on every
// committed change to any agent or edge.
func (s *Store) Version() uint64 {
	return s.version.Load()
}

func (s *Store) cell(name string) (*agentCell, error) {
	c, ok := s.agents[name]
	if !ok {
		return nil, fmt.Errorf("state: %q: %w", name, model.ErrAgentNotFound)
	}
	return c, nil
}

func (s *Store) acquire(ctx context.Context, g *guard, what string) error {
	err := g.lock(ctx, s.lockTimeout)
	if errors.Is(err, model.ErrLockTimeout) {
		if s.lockTimeouts != nil {
			s.lockTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("guard", what)))
		}
		s.logger.Warn("state: lock timeout", "guard", what, "timeout", s.lockTimeout)
		return fmt.Errorf("state: acquire %s: %w", what, err)
	}
	return err
}

// WithAgent runs fn with exclusive access to the named agent. fn works on a
// copy which is committed only if fn returns nil. Any change bumps the
// agent's version and stamps UpdatedAt.
func (s *Store) WithAgent(ctx context.Context, name string, fn func(*model.AgentRecord) error) error {
	c, err := s.cell(name)
	if err != nil {
		return err
	}
	if err := s.acquire(ctx, c.guard, "agent:"+name); err != nil {
		return err
	}
	defer c.guard.unlock()

	work := c.rec
	if err := fn(&work); err != nil {
		return err
	}
	s.commitAgent(c, work)
	return nil
}

// Agent returns a copy of the named agent.
func (s *Store) Agent(ctx context.Context, name string) (model.AgentRecord, error) {
	var out model.AgentRecord
	err := s.WithAgent(ctx, name, func(a *model.AgentRecord) error {
		out = *a
		return nil
	})
	return out, err
}

// WithRelationship runs fn with exclusive access to the edge between a and
// b, creating it at the neutral score if absent. Callers that also hold
// agent guards must have taken them first; WithPair does this for them.
func (s *Store) WithRelationship(ctx context.Context, a, b string, fn func(*model.RelationshipEdge) error) error {
	pair, err := s.pair(a, b)
	if err != nil {
		return err
	}
	ec, err := s.edgeCell(ctx, pair, true)
	if err != nil {
		return err
	}
	defer s.releaseCell(pair, ec)
	if err := s.acquire(ctx, ec.guard, "edge:"+pair.String()); err != nil {
		return err
	}
	defer ec.guard.unlock()

	s.decayLocked(ec)
	work := ec.edge
	if err := fn(&work); err != nil {
		return err
	}
	s.commitEdge(ec, work)
	return nil
}

// Edge returns a copy of the edge between a and b. A pair that has never
// interacted reads as a fresh neutral edge without being stored.
func (s *Store) Edge(ctx context.Context, a, b string) (model.RelationshipEdge, error) {
	pair, err := s.pair(a, b)
	if err != nil {
		return model.RelationshipEdge{}, err
	}
	ec, err := s.edgeCell(ctx, pair, false)
	if err != nil {
		return model.RelationshipEdge{}, err
	}
	if ec == nil {
		return model.NewEdge(pair), nil
	}
	defer s.releaseCell(pair, ec)
	if err := s.acquire(ctx, ec.guard, "edge:"+pair.String()); err != nil {
		return model.RelationshipEdge{}, err
	}
	defer ec.guard.unlock()
	s.decayLocked(ec)
	return ec.edge, nil
}

// WithPair runs fn with both agents and their edge held, acquiring the
// agent guards in name order and the edge guard last. fn receives the
// agents in the order they were named by the caller.
func (s *Store) WithPair(ctx context.Context, a, b string, fn func(a, b *model.AgentRecord, e *model.RelationshipEdge) error) error {
	pair, err := s.pair(a, b)
	if err != nil {
		return err
	}
	ca, cb := s.agents[a], s.agents[b]

	// Registered first so it runs after every guard is released.
	var ec *edgeCell
	defer func() {
		if ec != nil {
			s.releaseCell(pair, ec)
		}
	}()
	var h held
	defer h.release()

	first, second := s.agents[pair.A], s.agents[pair.B]
	if err := s.acquire(ctx, first.guard, "agent:"+pair.A); err != nil {
		return err
	}
	h.add(first.guard)
	if err := s.acquire(ctx, second.guard, "agent:"+pair.B); err != nil {
		return err
	}
	h.add(second.guard)

	ec, err = s.edgeCell(ctx, pair, true)
	if err != nil {
		return err
	}
	if err := s.acquire(ctx, ec.guard, "edge:"+pair.String()); err != nil {
		return err
	}
	h.add(ec.guard)

	s.decayLocked(ec)
	wa, wb, we := ca.rec, cb.rec, ec.edge
	if err := fn(&wa, &wb, &we); err != nil {
		return err
	}
	s.commitAgent(ca, wa)
	s.commitAgent(cb, wb)
	s.commitEdge(ec, we)
	return nil
}

// Snapshot returns a consistent copy of all state. It holds every guard
// only for the duration of the copy.
func (s *Store) Snapshot(ctx context.Context) (model.Snapshot, error) {
	var h held
	defer h.release()

	for _, name := range s.names {
		c := s.agents[name]
		if err := s.acquire(ctx, c.guard, "agent:"+name); err != nil {
			return model.Snapshot{}, err
		}
		h.add(c.guard)
	}
	if err := s.acquire(ctx, s.index, "ledger"); err != nil {
		return model.Snapshot{}, err
	}
	h.add(s.index)

	pairs := make([]model.PairKey, 0, len(s.edges))
	for p, ec := range s.edges {
		if ec.committed.Load() {
			pairs = append(pairs, p)
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].String() < pairs[j].String() })
	for _, p := range pairs {
		ec := s.edges[p]
		if err := s.acquire(ctx, ec.guard, "edge:"+p.String()); err != nil {
			return model.Snapshot{}, err
		}
		h.add(ec.guard)
	}

	snap := model.EmptySnapshot()
	snap.TakenAt = s.now()
	for _, name := range s.names {
		snap.Agents[name] = s.agents[name].rec
	}
	for _, p := range pairs {
		ec := s.edges[p]
		s.decayLocked(ec)
		snap.Relationships[p.String()] = ec.edge
	}
	snap.StoreVersion = s.version.Load()
	return snap, nil
}

func (s *Store) pair(a, b string) (model.PairKey, error) {
	if a == b {
		return model.PairKey{}, fmt.Errorf("state: %q: %w", a, model.ErrSamePair)
	}
	if _, err := s.cell(a); err != nil {
		return model.PairKey{}, err
	}
	if _, err := s.cell(b); err != nil {
		return model.PairKey{}, err
	}
	return model.NewPairKey(a, b), nil
}

// edgeCell looks up the cell for pair under the ledger index guard,
// creating it when create is set. The index guard is released on return.
// A non-nil cell must be handed back through releaseCell.
func (s *Store) edgeCell(ctx context.Context, pair model.PairKey, create bool) (*edgeCell, error) {
	if err := s.acquire(ctx, s.index, "ledger"); err != nil {
		return nil, err
	}
	defer s.index.unlock()

	ec, ok := s.edges[pair]
	if !ok {
		if !create {
			return nil, nil
		}
		ec = &edgeCell{guard: newGuard(), edge: model.NewEdge(pair)}
		s.edges[pair] = ec
	}
	ec.refs.Add(1)
	return ec, nil
}

// releaseCell drops a reference taken by edgeCell and forgets a cell that
// was created on demand but never committed, so a failed callback or a
// lock timeout leaves no trace in the ledger. The caller must not hold the
// edge guard.
func (s *Store) releaseCell(pair model.PairKey, ec *edgeCell) {
	if ec.refs.Add(-1) > 0 || ec.committed.Load() {
		return
	}
	if err := s.index.lock(context.Background(), s.lockTimeout); err != nil {
		// Left for the next caller; Snapshot skips uncommitted cells.
		return
	}
	defer s.index.unlock()
	if ec.refs.Load() == 0 && !ec.committed.Load() && s.edges[pair] == ec {
		delete(s.edges, pair)
	}
}

// commitAgent installs work as the agent's state. Identity and the version
// stamp are owned by the store and cannot be changed by callers.
func (s *Store) commitAgent(c *agentCell, work model.AgentRecord) {
	work.Name = c.rec.Name
	work.Version = c.rec.Version
	work.UpdatedAt = c.rec.UpdatedAt
	work.Emotion = model.ClampEmotion(work.Emotion)
	if work == c.rec {
		return
	}
	work.Version++
	work.UpdatedAt = s.now()
	c.rec = work
	s.version.Add(1)
}

// commitEdge installs work as the edge's state, enforcing the score bounds
// and a non-decreasing last-interaction time.
func (s *Store) commitEdge(ec *edgeCell, work model.RelationshipEdge) {
	work.Pair = ec.edge.Pair
	work.Version = ec.edge.Version
	work.Score = model.ClampScore(work.Score)
	if work.LastInteraction.Before(ec.edge.LastInteraction) {
		work.LastInteraction = ec.edge.LastInteraction
	}
	if work.InteractionCount < ec.edge.InteractionCount {
		work.InteractionCount = ec.edge.InteractionCount
	}
	if work == ec.edge {
		return
	}
	work.Version++
	ec.edge = work
	ec.committed.Store(true)
	s.version.Add(1)
}

// decayLocked applies lazy decay. The edge guard must be held.
func (s *Store) decayLocked(ec *edgeCell) {
	work := ec.edge
	if ledger.Decay(&work, s.now(), s.policy) {
		s.commitEdge(ec, work)
	}
}
