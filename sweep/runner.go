// Package sweep runs the scheduled expiry of quotes and agreements.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Expirer is satisfied by the quote and agreement services.
type Expirer interface {
	ExpireDue(ctx context.Context, now time.Time, limit int) (int, error)
}

type Options struct {
	Interval  time.Duration
	BatchSize int
}

type Runner struct {
	quotes     Expirer
	agreements Expirer
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
}

func NewRunner(quotes, agreements Expirer, opts Options, logger *slog.Logger) *Runner {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{quotes: quotes, agreements: agreements, opts: opts, logger: logger, now: time.Now}
}

func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Result counts what one sweep expired.
type Result struct {
	Quotes     int
	Agreements int
}

// RunOnce expires everything due at the current time, batch by batch. A
// failure in one entity does not stop the other; both errors are returned.
func (r *Runner) RunOnce(ctx context.Context) (Result, error) {
	now := r.now().UTC()
	var res Result
	var errs []error

	n, err := r.drain(ctx, r.quotes, now)
	res.Quotes = n
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep: expire quotes: %w", err))
	}
	n, err = r.drain(ctx, r.agreements, now)
	res.Agreements = n
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep: expire agreements: %w", err))
	}
	return res, errors.Join(errs...)
}

func (r *Runner) drain(ctx context.Context, e Expirer, now time.Time) (int, error) {
	total := 0
	for {
		n, err := e.ExpireDue(ctx, now, r.opts.BatchSize)
		total += n
		if err != nil || n < r.opts.BatchSize {
			return total, err
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		res, err := r.RunOnce(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			r.logger.ErrorContext(ctx, "expiry sweep failed", "error", err, "quotes", res.Quotes, "agreements", res.Agreements)
		case res.Quotes+res.Agreements > 0:
			r.logger.InfoContext(ctx, "expiry sweep", "quotes", res.Quotes, "agreements", res.Agreements)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
