package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// attemptOutcome is the explicit result of one turn attempt. Expected retry
// paths travel as values, never as control-flow panics or sentinel abuse.
type attemptOutcome int

const (
	attemptSucceeded attemptOutcome = iota
	attemptRetry
	attemptPermanent
)

func classify(err error) attemptOutcome {
	if err == nil {
		return attemptSucceeded
	}
	if retryable(err) {
		return attemptRetry
	}
	return attemptPermanent
}

// governor bounds retries for one turn: up to maxAttempts tries with a
// fixed delay between them. The turn stays at the head of its key's queue
// for the whole budget, so later records cannot overtake it.
type governor struct {
	maxAttempts int
	delay       time.Duration
}

// run invokes attempt until it succeeds, fails permanently, or exhausts
// the budget. The returned error carries the last failure and the attempt
// count; nil means the turn completed.
func (g *governor) run(ctx context.Context, endUserKey string, attempt func(context.Context) error) error {
	var lastErr error
	for n := 1; n <= g.maxAttempts; n++ {
		err := attempt(ctx)
		switch classify(err) {
		case attemptSucceeded:
			return nil
		case attemptPermanent:
			return err
		}
		lastErr = err
		slog.Warn("turn attempt failed",
			"end_user_key", endUserKey,
			"attempt", n,
			"max_attempts", g.maxAttempts,
			"code", CodeOf(err),
			"err", err)
		if n == g.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry wait interrupted after attempt %d: %w", n, lastErr)
		case <-time.After(g.delay):
		}
	}
	return fmt.Errorf("permanently failed after %d attempts: %w", g.maxAttempts, lastErr)
}
