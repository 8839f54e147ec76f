// Package responder generates in-character dialogue for town residents.
//
// Every backend maps its failures onto the coordinator taxonomy:
// transport errors and 5xx/429 replies become ErrCollaboratorUnavailable,
// an expired context becomes ErrResponseTimeout.
package responder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashita-ai/machi/internal/model"
)

// Responder produces one line of dialogue for an interaction.
type Responder interface {
	Name() string
	Respond(ctx context.Context, p model.InteractionPayload) (string, error)
}

// maxLineLen bounds a generated line; models occasionally ramble.
const maxLineLen = 400

// classify maps a transport-level failure onto the taxonomy.
func classify(ctx context.Context, backend string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", backend, model.ErrResponseTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", backend, err)
	}
	return fmt.Errorf("%s: %w: %v", backend, model.ErrCollaboratorUnavailable, err)
}

// statusError builds the error for a non-200 reply.
func statusError(backend string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := strings.TrimSpace(string(body))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%s: %w: status %d: %s", backend, model.ErrCollaboratorUnavailable, resp.StatusCode, msg)
	}
	return fmt.Errorf("%s: status %d: %s", backend, resp.StatusCode, msg)
}

// clean trims a model reply to a single presentable line.
func clean(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"“”")
	if i := strings.IndexByte(s, '\n'); i > 0 {
		s = strings.TrimSpace(s[:i])
	}
	if r := []rune(s); len(r) > maxLineLen {
		s = string(r[:maxLineLen])
	}
	return s
}

// Chain tries each responder in order, moving on only when one reports
// ErrCollaboratorUnavailable. Any other error, including a timeout, stops
// the chain.
type Chain struct {
	responders []Responder
	logger     *slog.Logger
}

// NewChain creates a chain over rs.
func NewChain(logger *slog.Logger, rs ...Responder) *Chain {
	return &Chain{responders: rs, logger: logger}
}

func (c *Chain) Name() string {
	names := make([]string, len(c.responders))
	for i, r := range c.responders {
		names[i] = r.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

func (c *Chain) Respond(ctx context.Context, p model.InteractionPayload) (string, error) {
	var errs []error
	for _, r := range c.responders {
		line, err := r.Respond(ctx, p)
		if err == nil {
			return line, nil
		}
		if !errors.Is(err, model.ErrCollaboratorUnavailable) {
			return "", err
		}
		c.logger.Debug("responder: backend unavailable, trying next", "backend", r.Name(), "error", err)
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("responder: %w: no backends configured", model.ErrCollaboratorUnavailable)
	}
	return "", errors.Join(errs...)
}
