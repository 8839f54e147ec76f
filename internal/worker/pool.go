// Package worker runs response generation and persistence off the caller's
// goroutine on a fixed-size pool fed by two bounded queues.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/queue"
	"github.com/ashita-ai/machi/internal/telemetry"
)

var tracer = otel.Tracer("machi/worker")

// Queue names, also used as metric attributes.
const (
	QueueInteraction = "interaction"
	QueuePersist     = "persist"
)

// Config sizes the pool.
type Config struct {
	Workers              int
	InteractionQueueSize int
	PersistQueueSize     int
	ResponseTimeout      time.Duration
	PersistTimeout       time.Duration
}

// DefaultConfig returns the stock sizing.
func DefaultConfig() Config {
	return Config{
		Workers:              4,
		InteractionQueueSize: 50,
		PersistQueueSize:     100,
		ResponseTimeout:      15 * time.Second,
		PersistTimeout:       10 * time.Second,
	}
}

// Handlers are the collaborator calls the pool dispatches to.
type Handlers struct {
	Respond  func(ctx context.Context, p model.InteractionPayload) (string, error)
	Persist  func(ctx context.Context, p model.PersistPayload) error
	Fallback func(p model.InteractionPayload, reason error) string
}

// Response is the outcome of an interaction task. Fallback is set when Text
// is a synthetic placeholder; Reason then says why.
type Response struct {
	Text     string
	Fallback bool
	Reason   error
}

type job struct {
	task     model.Task
	deadline time.Time
	reply    chan Response // buffered; nil for persist jobs
}

// QueueStats describes one queue for status reporting.
type QueueStats struct {
	Name    string `json:"name"`
	Len     int    `json:"len"`
	Cap     int    `json:"cap"`
	Dropped int64  `json:"dropped"`
}

// Pool is a fixed-size worker pool.
type Pool struct {
	cfg    Config
	h      Handlers
	logger *slog.Logger
	now    func() time.Time

	interactions *queue.Queue[job]
	persists     *queue.Queue[job]

	started  atomic.Bool
	baseCtx  context.Context
	cancel   context.CancelFunc
	group    errgroup.Group
	stopOnce sync.Once
	stopErr  error

	abandoned atomic.Int64
	fallbacks metric.Int64Counter
}

// New creates a pool. Call Start to launch the workers.
func New(cfg Config, h Handlers, logger *slog.Logger) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.InteractionQueueSize <= 0 {
		cfg.InteractionQueueSize = def.InteractionQueueSize
	}
	if cfg.PersistQueueSize <= 0 {
		cfg.PersistQueueSize = def.PersistQueueSize
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = def.ResponseTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if h.Fallback == nil {
		h.Fallback = func(model.InteractionPayload, error) string { return "..." }
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:          cfg,
		h:            h,
		logger:       logger,
		now:          time.Now,
		interactions: queue.New[job](QueueInteraction, cfg.InteractionQueueSize),
		persists:     queue.New[job](QueuePersist, cfg.PersistQueueSize),
		baseCtx:      baseCtx,
		cancel:       cancel,
	}
	p.fallbacks = telemetry.NewFallbackCounter()
	return p
}

// Start launches the workers. Calling Start more than once is a no-op.
// Workers run until Stop; cancelling ctx does not abort in-flight work.
func (p *Pool) Start(_ context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	if err := errors.Join(p.interactions.RegisterMetrics(), p.persists.RegisterMetrics()); err != nil {
		p.logger.Warn("workers: queue metrics unavailable", "error", err)
	}
	for i := range p.cfg.Workers {
		p.group.Go(func() error {
			p.work(i)
			return nil
		})
	}
	p.logger.Info("worker: pool started", "workers", p.cfg.Workers,
		"interaction_queue", p.cfg.InteractionQueueSize, "persist_queue", p.cfg.PersistQueueSize)
}

// work is one worker's loop. Interaction tasks take priority over
// persistence; the loop exits on the drain signal.
func (p *Pool) work(id int) {
	for {
		if p.interactions.Closed() {
			return
		}
		if j, ok := p.interactions.TryDequeue(); ok {
			p.run(j)
			continue
		}
		select {
		case j := <-p.interactions.Items():
			p.run(j)
		case j := <-p.persists.Items():
			p.run(j)
		case <-p.interactions.Done():
			p.logger.Debug("worker: drained", "worker", id)
			return
		}
	}
}

func (p *Pool) run(j job) {
	switch j.task.Kind {
	case model.TaskInteraction:
		p.runInteraction(j)
	case model.TaskPersist:
		p.runPersist(p.baseCtx, j)
	}
}

func (p *Pool) runInteraction(j job) {
	payload := *j.task.Interaction
	if !j.deadline.IsZero() && !p.now().Before(j.deadline) {
		// The caller has already given up and answered with a fallback.
		p.abandoned.Add(1)
		p.logger.Debug("worker: skipping expired interaction", "task_id", j.task.ID, "agent", payload.Speaker.Name)
		return
	}

	ctx, cancel := context.WithDeadline(p.baseCtx, j.deadline)
	defer cancel()
	ctx, span := tracer.Start(ctx, "worker.respond", trace.WithAttributes(
		attribute.String("machi.agent", payload.Speaker.Name),
		attribute.String("machi.interaction", string(payload.Type)),
	))
	defer span.End()

	text, err := runWithTimeout(ctx, func(ctx context.Context) (string, error) {
		return p.h.Respond(ctx, payload)
	})
	if err == nil && text == "" {
		err = fmt.Errorf("worker: empty response: %w", model.ErrCollaboratorUnavailable)
	}
	if err != nil {
		span.RecordError(err)
		j.reply <- p.fallback(ctx, payload, classify(err))
		return
	}
	j.reply <- Response{Text: text}
}

func (p *Pool) runPersist(parent context.Context, j job) {
	ctx, cancel := context.WithTimeout(parent, p.cfg.PersistTimeout)
	defer cancel()
	_, err := runWithTimeout(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.h.Persist(ctx, *j.task.Persist)
	})
	if err != nil {
		p.logger.Error("worker: persistence task failed", "task_id", j.task.ID, "error", err)
	}
}

// Respond asks for one line of dialogue and waits at most ResponseTimeout
// (or ctx's earlier deadline). A full interaction queue is returned as
// ErrQueueFull so the caller can push back; every other failure becomes a
// fallback Response.
func (p *Pool) Respond(ctx context.Context, payload model.InteractionPayload) (Response, error) {
	now := p.now()
	deadline := now.Add(p.cfg.ResponseTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	j := job{
		task:     model.NewInteractionTask(payload, now),
		deadline: deadline,
		reply:    make(chan Response, 1),
	}
	if err := p.interactions.Enqueue(j); err != nil {
		if errors.Is(err, model.ErrQueueClosed) {
			return p.fallback(ctx, payload, model.ErrCollaboratorUnavailable), nil
		}
		return Response{}, err
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case r := <-j.reply:
		return r, nil
	case <-timer.C:
		return p.fallback(ctx, payload, model.ErrResponseTimeout), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return p.fallback(ctx, payload, model.ErrResponseTimeout), nil
		}
		return Response{}, ctx.Err()
	}
}

// SubmitPersist queues a best-effort persistence task. A full queue drops
// the task with a warning; the error is returned for callers that care.
func (p *Pool) SubmitPersist(payload model.PersistPayload) error {
	err := p.persists.Enqueue(job{task: model.NewPersistTask(payload, p.now())})
	if err != nil {
		p.logger.Warn("worker: persistence task dropped", "error", err,
			"queue_len", p.persists.Len(), "dropped_total", p.persists.Dropped())
	}
	return err
}

// Stop closes both queues, waits for in-flight work until ctx is done,
// then flushes queued persistence tasks with whatever time remains.
// Anything still outstanding after that is abandoned. Safe to call more
// than once; later calls return the first result.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop(ctx)
	})
	return p.stopErr
}

func (p *Pool) stop(ctx context.Context) error {
	p.interactions.Close()
	p.persists.Close()

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()

	var expired bool
	select {
	case <-done:
	case <-ctx.Done():
		expired = true
		p.logger.Warn("worker: grace period expired, abandoning in-flight work")
		p.cancel()
		<-done
	}

	for _, j := range p.interactions.DrainRemaining() {
		j.reply <- p.fallback(ctx, *j.task.Interaction, model.ErrDrained)
	}

	remaining := p.persists.DrainRemaining()
	for i, j := range remaining {
		if ctx.Err() != nil {
			n := int64(len(remaining) - i)
			p.abandoned.Add(n)
			p.logger.Warn("worker: unflushed persistence tasks abandoned", "count", n)
			expired = true
			break
		}
		p.runPersist(ctx, j)
	}
	p.cancel()

	p.logger.Info("worker: pool stopped", "abandoned_total", p.abandoned.Load())
	if expired {
		return fmt.Errorf("worker: shutdown grace period expired: %w", ctx.Err())
	}
	return nil
}

// Abandoned returns the number of tasks given up on: expired interactions
// and persistence tasks dropped at shutdown.
func (p *Pool) Abandoned() int64 { return p.abandoned.Load() }

// Stats reports both queues.
func (p *Pool) Stats() []QueueStats {
	out := make([]QueueStats, 0, 2)
	for _, q := range []*queue.Queue[job]{p.interactions, p.persists} {
		out = append(out, QueueStats{Name: q.Name(), Len: q.Len(), Cap: q.Cap(), Dropped: q.Dropped()})
	}
	return out
}

func (p *Pool) fallback(ctx context.Context, payload model.InteractionPayload, reason error) Response {
	if p.fallbacks != nil {
		p.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reasonLabel(reason))))
	}
	p.logger.Warn("worker: using fallback response", "agent", payload.Speaker.Name, "reason", reason)
	return Response{Text: p.h.Fallback(payload, reason), Fallback: true, Reason: reason}
}

// classify maps a collaborator error onto the taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, model.ErrResponseTimeout), errors.Is(err, context.DeadlineExceeded):
		return model.ErrResponseTimeout
	case errors.Is(err, context.Canceled):
		return model.ErrDrained
	case errors.Is(err, model.ErrCollaboratorUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %v", model.ErrCollaboratorUnavailable, err)
	}
}

func reasonLabel(err error) string {
	switch {
	case errors.Is(err, model.ErrResponseTimeout):
		return "timeout"
	case errors.Is(err, model.ErrDrained):
		return "shutdown"
	default:
		return "unavailable"
	}
}
