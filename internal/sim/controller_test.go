package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashita-ai/machi/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func failure() model.StepResult {
	return model.FailedStep(fmt.Errorf("%w: lock timeout", model.ErrStepFailure))
}

// scripted replays results in order, then blocks until cancelled.
type scripted struct {
	mu      sync.Mutex
	results []model.StepResult
	calls   int
	drained chan struct{}
	once    sync.Once
}

func newScripted(results ...model.StepResult) *scripted {
	return &scripted{results: results, drained: make(chan struct{})}
}

func (s *scripted) Step(ctx context.Context) model.StepResult {
	s.mu.Lock()
	if s.calls < len(s.results) {
		r := s.results[s.calls]
		s.calls++
		s.mu.Unlock()
		return r
	}
	s.mu.Unlock()
	s.once.Do(func() { close(s.drained) })
	<-ctx.Done()
	return model.StepResult{Success: true}
}

// recordingSleeper returns immediately and remembers every requested delay.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleeper) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func instantPolicy() Policy {
	p := DefaultPolicy()
	p.TickMin, p.TickMax = 0, 0
	return p
}

func TestTransition(t *testing.T) {
	p := DefaultPolicy()
	ok := model.StepResult{Success: true}

	b, d := Transition(Breaker{Mode: ModeRunning}, failure(), p)
	assert.Equal(t, Breaker{Mode: ModeDegraded, Failures: 1}, b)
	assert.Equal(t, 5*time.Second, d)

	b, d = Transition(b, failure(), p)
	assert.Equal(t, Breaker{Mode: ModeDegraded, Failures: 2}, b)
	assert.Equal(t, 10*time.Second, d)

	reset, d := Transition(b, ok, p)
	assert.Equal(t, Breaker{Mode: ModeRunning}, reset)
	assert.Zero(t, d)

	b, _ = Transition(b, failure(), p)
	assert.Equal(t, Breaker{Mode: ModePaused, Failures: 3}, b)
}

func TestBackoff_Capped(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 5*time.Second, Backoff(1, p))
	assert.Equal(t, 25*time.Second, Backoff(5, p))
	assert.Equal(t, 30*time.Second, Backoff(6, p))
	assert.Equal(t, 30*time.Second, Backoff(100, p))
}

func TestController_ThreeFailuresPause(t *testing.T) {
	steps := newScripted(failure(), failure(), failure())
	sleeper := &recordingSleeper{}
	var mu sync.Mutex
	var modes []Mode
	c := New(steps, instantPolicy(), discardLogger(),
		WithSleeper(sleeper.Sleep),
		WithObserver(func(s Status) {
			mu.Lock()
			modes = append(modes, s.Mode)
			mu.Unlock()
		}))

	c.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))

	st := c.Status()
	assert.Equal(t, ModePaused, st.Mode)
	assert.Equal(t, 3, st.Failures)
	assert.EqualValues(t, 3, st.Ticks)
	assert.False(t, st.PausedAt.IsZero())
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, []time.Duration{0, 5 * time.Second, 10 * time.Second}, sleeper.Delays())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Mode{ModeRunning, ModeDegraded, ModePaused}, modes)
}

func TestController_SuccessResetsCounter(t *testing.T) {
	ok := model.StepResult{Success: true}
	steps := newScripted(failure(), failure(), ok, failure(), failure(), ok)
	c := New(steps, instantPolicy(), discardLogger(), WithSleeper((&recordingSleeper{}).Sleep))

	c.Start(context.Background())
	select {
	case <-steps.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("script not consumed")
	}
	st := c.Status()
	assert.Equal(t, ModeRunning, st.Mode)
	assert.Zero(t, st.Failures)

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, ModeStopped, c.Status().Mode)
}

func TestController_ResumeAfterPause(t *testing.T) {
	steps := newScripted(failure(), failure(), failure(), model.StepResult{Success: true})
	c := New(steps, instantPolicy(), discardLogger(), WithSleeper((&recordingSleeper{}).Sleep))

	assert.ErrorIs(t, c.Resume(context.Background()), ErrNotPaused)

	c.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
	require.Equal(t, ModePaused, c.Status().Mode)

	require.NoError(t, c.Resume(context.Background()))
	select {
	case <-steps.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("resumed loop did not tick")
	}
	st := c.Status()
	assert.Equal(t, ModeRunning, st.Mode)
	assert.Zero(t, st.Failures)
	assert.True(t, st.PausedAt.IsZero())
	require.NoError(t, c.Stop(context.Background()))
}

func TestController_PanicCountsAsFailure(t *testing.T) {
	c := New(StepFunc(func(context.Context) model.StepResult { panic("boom") }),
		instantPolicy(), discardLogger(), WithSleeper((&recordingSleeper{}).Sleep))

	c.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))

	st := c.Status()
	assert.Equal(t, ModePaused, st.Mode)
	assert.Contains(t, st.LastError, "panic: boom")
}

func TestController_StopInterruptsSleep(t *testing.T) {
	p := DefaultPolicy()
	p.TickMin, p.TickMax = time.Hour, time.Hour
	c := New(StepFunc(func(context.Context) model.StepResult {
		t.Error("step should not run")
		return model.StepResult{}
	}), p, discardLogger())

	c.Start(context.Background())
	c.Start(context.Background()) // no-op
	assert.Equal(t, ModeRunning, c.Status().Mode)

	done := make(chan struct{})
	go func() {
		assert.NoError(t, c.Stop(context.Background()))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop did not interrupt the sleep")
	}
	assert.Equal(t, ModeStopped, c.Status().Mode)
	require.NoError(t, c.Stop(context.Background()))
}

func TestController_ParentCancelStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := New(StepFunc(func(ctx context.Context) model.StepResult {
		<-ctx.Done()
		return model.FailedStep(errors.New("cancelled"))
	}), instantPolicy(), discardLogger(), WithSleeper((&recordingSleeper{}).Sleep))

	c.Start(ctx)
	cancel()
	wctx, wcancel := context.WithTimeout(context.Background(), time.Second)
	defer wcancel()
	require.NoError(t, c.Wait(wctx))
	st := c.Status()
	assert.Equal(t, ModeStopped, st.Mode)
	assert.Zero(t, st.Failures, "interrupted tick is not a failure")
}

func TestHandle_OutlivesCallerContext(t *testing.T) {
	life, stopLife := context.WithCancel(context.Background())
	defer stopLife()
	ran := make(chan struct{}, 1)
	c := New(StepFunc(func(ctx context.Context) model.StepResult {
		select {
		case ran <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return model.StepResult{Success: true}
	}), instantPolicy(), discardLogger(), WithSleeper((&recordingSleeper{}).Sleep))

	h := c.Bind(life)
	func() {
		// A request context that ends right after Start.
		_, cancel := context.WithCancel(context.Background())
		defer cancel()
		require.NoError(t, h.Start())
	}()
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not tick")
	}
	assert.Equal(t, ModeRunning, h.Status().Mode)
	assert.ErrorIs(t, h.Resume(), ErrNotPaused)

	require.NoError(t, h.Stop(context.Background()))
	assert.Equal(t, ModeStopped, h.Status().Mode)
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}

func TestHandle_RefusesAfterLifetimeEnds(t *testing.T) {
	life, endLife := context.WithCancel(context.Background())
	c := New(StepFunc(func(ctx context.Context) model.StepResult {
		<-ctx.Done()
		return model.StepResult{Success: true}
	}), instantPolicy(), discardLogger(), WithSleeper((&recordingSleeper{}).Sleep))

	h := c.Bind(life)
	require.NoError(t, h.Start())
	endLife()
	require.NoError(t, h.Stop(context.Background()))

	assert.ErrorIs(t, h.Start(), ErrShuttingDown)
	assert.ErrorIs(t, h.Resume(), ErrShuttingDown)
	assert.Equal(t, ModeStopped, h.Status().Mode)
}

func TestController_StopBoundedByContext(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	c := New(StepFunc(func(context.Context) model.StepResult {
		close(entered)
		<-release
		return model.StepResult{Success: true}
	}), instantPolicy(), discardLogger(), WithSleeper((&recordingSleeper{}).Sleep))
	require.NoError(t, c.Start(context.Background()))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("step did not start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.ErrorIs(t, c.Stop(ctx), context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	close(release)
	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	require.NoError(t, c.Wait(wctx))
	assert.Equal(t, ModeStopped, c.Status().Mode)
}
