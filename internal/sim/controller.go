package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/telemetry"
)

var tracer = otel.Tracer("machi/sim")

var (
	// ErrNotPaused is returned by Resume when the loop is not paused.
	ErrNotPaused = errors.New("sim: loop is not paused")
	// ErrShuttingDown is returned by Start and Resume once the lifetime
	// context the loop would run under is done.
	ErrShuttingDown = errors.New("sim: shutting down")
)

// Stepper performs one autonomous tick.
type Stepper interface {
	Step(ctx context.Context) model.StepResult
}

// StepFunc adapts a function to Stepper.
type StepFunc func(ctx context.Context) model.StepResult

func (f StepFunc) Step(ctx context.Context) model.StepResult { return f(ctx) }

// Sleeper waits d or until ctx is done, whichever comes first.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the wall-clock Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status is a point-in-time view of the controller.
type Status struct {
	Mode      Mode      `json:"mode"`
	Failures  int       `json:"failures"`
	Ticks     int64     `json:"ticks"`
	LastError string    `json:"last_error,omitempty"`
	LastTick  time.Time `json:"last_tick,omitzero"`
	PausedAt  time.Time `json:"paused_at,omitzero"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithSleeper replaces the wall-clock sleeper.
func WithSleeper(s Sleeper) Option { return func(c *Controller) { c.sleep = s } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// WithRand sets the source used to jitter tick intervals.
func WithRand(r *rand.Rand) Option { return func(c *Controller) { c.rng = r } }

// WithObserver registers a callback invoked after every mode change. It
// runs with the controller's lock held, so it must not block or call back
// into the controller.
func WithObserver(fn func(Status)) Option { return func(c *Controller) { c.observer = fn } }

// Controller owns the loop goroutine. All methods are safe for concurrent
// use.
type Controller struct {
	stepper  Stepper
	policy   Policy
	logger   *slog.Logger
	sleep    Sleeper
	now      func() time.Time
	observer func(Status)

	mu       sync.Mutex
	rng      *rand.Rand
	breaker  Breaker
	ticks    int64
	lastErr  string
	lastTick time.Time
	pausedAt time.Time
	cancel   context.CancelFunc
	done     chan struct{}

	metrics telemetry.SimInstruments
}

// New creates a stopped controller.
func New(stepper Stepper, policy Policy, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		stepper: stepper,
		policy:  policy,
		logger:  logger,
		sleep:   Sleep,
		now:     time.Now,
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		breaker: Breaker{Mode: ModeStopped},
	}
	for _, o := range opts {
		o(c)
	}
	c.metrics = telemetry.NewSimInstruments()
	return c
}

// Start launches the loop if it is stopped. Starting a running loop is a
// no-op; starting a paused loop resumes it. The loop runs until Stop or
// until ctx is cancelled. Once ctx is done Start refuses with
// ErrShuttingDown.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return ErrShuttingDown
	}
	if c.done != nil {
		return nil
	}
	c.launchLocked(ctx)
	return nil
}

// Resume clears the failure counter of a paused loop and restarts it.
func (c *Controller) Resume(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrShuttingDown
	}
	c.mu.Lock()
	if c.breaker.Mode != ModePaused {
		c.mu.Unlock()
		return ErrNotPaused
	}
	exiting := c.done
	c.mu.Unlock()
	if exiting != nil {
		select {
		case <-exiting:
		case <-ctx.Done():
			return ErrShuttingDown
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return ErrShuttingDown
	}
	if c.breaker.Mode != ModePaused || c.done != nil {
		return ErrNotPaused
	}
	c.logger.Info("sim: resuming", "failures", c.breaker.Failures)
	c.launchLocked(ctx)
	return nil
}

// launchLocked starts a fresh loop goroutine. Caller holds c.mu and has
// ensured no loop is running.
func (c *Controller) launchLocked(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.breaker = Breaker{Mode: ModeRunning}
	c.pausedAt = time.Time{}
	c.notifyLocked()
	go c.loop(ctx, done)
}

// Stop halts the loop and waits, bounded by ctx, for the current tick to
// finish or observe cancellation. A paused loop stays paused.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sim: stop: %w", ctx.Err())
	}
}

// Wait blocks until the current loop goroutine exits or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports the current mode and counters.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	return Status{
		Mode:      c.breaker.Mode,
		Failures:  c.breaker.Failures,
		Ticks:     c.ticks,
		LastError: c.lastErr,
		LastTick:  c.lastTick,
		PausedAt:  c.pausedAt,
	}
}

func (c *Controller) notifyLocked() {
	if c.observer != nil {
		c.observer(c.statusLocked())
	}
}

func (c *Controller) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.breaker.Mode != ModePaused {
			c.breaker = Breaker{Mode: ModeStopped}
			c.notifyLocked()
		}
		c.cancel = nil
		c.done = nil
		c.mu.Unlock()
		close(done)
	}()

	delay := c.interval()
	for {
		if err := c.sleep(ctx, delay); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		res := c.runStep(ctx)
		if ctx.Err() != nil {
			// Interrupted by Stop; the outcome says nothing about the town.
			return
		}

		c.mu.Lock()
		prev := c.breaker.Mode
		next, backoff := Transition(c.breaker, res, c.policy)
		c.breaker = next
		c.ticks++
		c.lastTick = c.now()
		if res.Success {
			c.lastErr = ""
		} else {
			c.lastErr = res.Error
		}
		if next.Mode == ModePaused {
			c.pausedAt = c.lastTick
		}
		if next.Mode != prev {
			c.notifyLocked()
		}
		c.mu.Unlock()

		switch next.Mode {
		case ModePaused:
			c.logger.Warn("sim: loop paused after consecutive failures",
				"failures", next.Failures, "last_error", res.Error)
			return
		case ModeDegraded:
			c.logger.Warn("sim: tick failed", "failures", next.Failures,
				"backoff", backoff, "error", res.Error)
			delay = backoff
		default:
			delay = c.interval()
		}
	}
}

// runStep executes one tick, converting panics into a failed result.
func (c *Controller) runStep(ctx context.Context) (res model.StepResult) {
	ctx, span := tracer.Start(ctx, "sim.step")
	start := c.now()
	defer func() {
		if r := recover(); r != nil {
			res = model.FailedStep(fmt.Errorf("%w: panic: %v", model.ErrStepFailure, r))
		}
		res.Duration = c.now().Sub(start)
		outcome := "success"
		if !res.Success {
			outcome = "failure"
			span.SetStatus(codes.Error, res.Error)
		}
		span.SetAttributes(attribute.String("machi.sim.outcome", outcome))
		span.End()
		c.metrics.RecordTick(ctx, outcome, string(res.Kind), res.Duration)
	}()
	return c.stepper.Step(ctx)
}

// interval draws a tick interval uniformly from [TickMin, TickMax].
func (c *Controller) interval() time.Duration {
	lo, hi := c.policy.TickMin, c.policy.TickMax
	if hi <= lo {
		return lo
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo + time.Duration(c.rng.Int64N(int64(hi-lo)+1))
}

// Handle binds a controller to a lifetime context so request-scoped callers
// can start and resume the loop without tying it to their own context.
type Handle struct {
	c   *Controller
	ctx context.Context
}

// Bind returns a Handle whose Start and Resume run the loop under ctx. Once
// ctx is done the handle refuses to launch the loop again.
func (c *Controller) Bind(ctx context.Context) Handle { return Handle{c: c, ctx: ctx} }

func (h Handle) Start() error                   { return h.c.Start(h.ctx) }
func (h Handle) Stop(ctx context.Context) error { return h.c.Stop(ctx) }
func (h Handle) Resume() error                  { return h.c.Resume(h.ctx) }
func (h Handle) Status() Status                 { return h.c.Status() }
