package advance

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkedin-signals/internal/metrics"
)

// Advancer runs a single controller pass.
type Advancer interface {
	Advance(ctx context.Context) (Outcome, error)
}

// Loop is an in-process Continuer. Signals coalesce: any number of
// Continue calls made while a pass is pending yield one more pass.
type Loop struct {
	signals chan struct{}
	logger  *zap.Logger
}

// NewLoop builds an idle Loop.
func NewLoop(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{signals: make(chan struct{}, 1), logger: logger}
}

// Continue queues a pass without blocking.
func (l *Loop) Continue(_ context.Context) error {
	select {
	case l.signals <- struct{}{}:
	default:
	}
	metrics.ObserveContinuation("loop", nil)
	return nil
}

// Run consumes signals until ctx is done, running one pass per signal.
func (l *Loop) Run(ctx context.Context, a Advancer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.signals:
		}
		out, err := a.Advance(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("advance pass failed", zap.Error(err))
			continue
		}
		l.logger.Debug("advance pass",
			zap.String("status", string(out.CurrentStatus)),
			zap.String("progress", out.Progress),
			zap.Bool("continued", out.Continued),
		)
	}
}

// Drain runs passes until one asks for no continuation and returns the last
// outcome with the number of passes. maxPasses bounds the run when positive.
func (l *Loop) Drain(ctx context.Context, a Advancer, maxPasses int) (Outcome, int, error) {
	_ = l.Continue(ctx)
	var (
		last   Outcome
		passes int
	)
	for {
		select {
		case <-ctx.Done():
			return last, passes, fmt.Errorf("drain interrupted: %w", ctx.Err())
		case <-l.signals:
		default:
			return last, passes, nil
		}
		if maxPasses > 0 && passes >= maxPasses {
			return last, passes, fmt.Errorf("drain stopped after %d passes", passes)
		}
		out, err := a.Advance(ctx)
		passes++
		if err != nil {
			return out, passes, err
		}
		last = out
	}
}
