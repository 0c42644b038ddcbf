package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dealflow/db"
	"dealflow/metrics"
)

// Publisher sends one message. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type flusher interface {
	Flush() error
}

// RelayOptions tunes a Relay.
type RelayOptions struct {
	SubjectPrefix string
	BatchSize     int
	MaxAttempts   int
}

// Relay drains the outbox to a Publisher. Several relays may run at once.
type Relay struct {
	pool    db.TxBeginner
	store   OutboxStore
	pub     Publisher
	opts    RelayOptions
	logger  *slog.Logger
	metrics *metrics.Recorder
}

func NewRelay(pool db.TxBeginner, store OutboxStore, pub Publisher, opts RelayOptions, logger *slog.Logger, m *metrics.Recorder) *Relay {
	if store == nil {
		store = NewPGOutboxStore()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{pool: pool, store: store, pub: pub, opts: opts, logger: logger, metrics: m}
}

// Subject maps an outbox topic to its NATS subject.
func (r *Relay) Subject(topic string) string {
	if r.opts.SubjectPrefix == "" {
		return topic
	}
	return r.opts.SubjectPrefix + "." + topic
}

// Drain publishes one batch and returns how many messages were published.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("audit: begin relay tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := r.store.Claim(ctx, tx, r.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	published := 0
	for _, m := range msgs {
		if pubErr := r.pub.Publish(r.Subject(m.Topic), m.Payload); pubErr != nil {
			dead := m.Attempts+1 >= r.opts.MaxAttempts
			if err := r.store.MarkFailed(ctx, tx, m.ID, pubErr.Error(), dead); err != nil {
				return 0, err
			}
			result := "failed"
			if dead {
				result = "dead"
			}
			r.metrics.Outbox(result)
			r.logger.WarnContext(ctx, "outbox publish failed",
				"id", m.ID,
				"topic", m.Topic,
				"attempts", m.Attempts+1,
				"dead", dead,
				"error", pubErr,
			)
			continue
		}
		if err := r.store.MarkPublished(ctx, tx, m.ID); err != nil {
			return 0, err
		}
		r.metrics.Outbox("published")
		published++
	}

	if f, ok := r.pub.(flusher); ok && published > 0 {
		if err := f.Flush(); err != nil {
			return 0, fmt.Errorf("audit: flush publisher: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("audit: commit relay tx: %w", err)
	}
	return published, nil
}

// Run drains every interval until ctx is cancelled. Full batches are drained
// again immediately.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for {
			n, err := r.Drain(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				r.logger.ErrorContext(ctx, "outbox drain failed", "error", err)
				break
			}
			if n < r.opts.BatchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
