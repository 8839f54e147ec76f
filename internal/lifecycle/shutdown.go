package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Phase is one bounded step of an ordered shutdown.
type Phase struct {
	Name    string
	Timeout time.Duration // 0 means no per-phase bound beyond the parent context
	Run     func(ctx context.Context) error
}

// Shutdown runs phases in order, each under its own timeout derived from
// ctx. A failing phase is logged and does not stop later phases. The
// returned error joins every phase failure.
func Shutdown(ctx context.Context, logger *slog.Logger, phases ...Phase) error {
	var errs []error
	for _, p := range phases {
		if p.Run == nil {
			continue
		}
		start := time.Now()
		phaseCtx, cancel := contextWithOptionalTimeout(ctx, p.Timeout)
		err := p.Run(phaseCtx)
		cancel()
		if err != nil {
			logger.Error("shutdown: phase failed", "phase", p.Name, "error", err,
				"duration_ms", time.Since(start).Milliseconds())
			errs = append(errs, fmt.Errorf("%s: %w", p.Name, err))
			continue
		}
		logger.Info("shutdown: phase complete", "phase", p.Name,
			"duration_ms", time.Since(start).Milliseconds())
	}
	return errors.Join(errs...)
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
