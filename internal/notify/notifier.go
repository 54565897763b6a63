package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/yieldsim/backend/internal/models"
)

// Store appends notifications inside a transaction.
type Store interface {
	CreateTx(ctx context.Context, tx pgx.Tx, n *models.Notification) error
}

// FailureCounter is satisfied by *metrics.Metrics.
type FailureCounter interface {
	IncNotificationFailure()
}

// Notifier writes user-facing messages. Each attempt runs in a savepoint, so
// a failed insert never poisons the caller's transaction.
type Notifier struct {
	store    Store
	log      *slog.Logger
	attempts int
	backoff  func(attempt int) time.Duration
	failures FailureCounter
}

type Option func(*Notifier)

func WithAttempts(n int) Option {
	return func(nt *Notifier) {
		if n > 0 {
			nt.attempts = n
		}
	}
}

func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(nt *Notifier) { nt.backoff = fn }
}

func WithFailureCounter(c FailureCounter) Option {
	return func(nt *Notifier) { nt.failures = c }
}

func New(store Store, log *slog.Logger, opts ...Option) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	n := &Notifier{
		store:    store,
		log:      log,
		attempts: 3,
		backoff:  func(attempt int) time.Duration { return time.Duration(attempt) * 100 * time.Millisecond },
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify inserts msg within tx. The returned error is informational; the
// enclosing transaction remains usable either way.
func (n *Notifier) Notify(ctx context.Context, tx pgx.Tx, msg models.Notification) error {
	if msg.Level == "" {
		msg.Level = models.LevelInfo
	}
	var lastErr error
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.backoff(attempt - 1)):
			}
		}
		m := msg
		if lastErr = n.insert(ctx, tx, &m); lastErr == nil {
			return nil
		}
		n.log.Warn("notification insert failed", "account_id", msg.AccountID, "attempt", attempt, "error", lastErr)
	}
	if n.failures != nil {
		n.failures.IncNotificationFailure()
	}
	return fmt.Errorf("notify account %s: %w", msg.AccountID, lastErr)
}

func (n *Notifier) insert(ctx context.Context, tx pgx.Tx, msg *models.Notification) error {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return err
	}
	if err := n.store.CreateTx(ctx, sp, msg); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}
