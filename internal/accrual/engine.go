// Package accrual credits daily profit to every active position and hands
// positions whose term has elapsed to the lifecycle manager.
//
// Each position is processed in its own transaction under a per-position
// advisory lock. The ledger's unique (position, kind, period) index makes a
// second credit for the same day fail, so overlapping ticks and retried
// attempts never double-credit.
package accrual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/yieldsim/backend/internal/events"
	"github.com/yieldsim/backend/internal/ledger"
	"github.com/yieldsim/backend/internal/lifecycle"
	"github.com/yieldsim/backend/internal/metrics"
	"github.com/yieldsim/backend/internal/models"
	"github.com/yieldsim/backend/internal/repository"
)

// PeriodLayout formats the accrual period: one credit per position per UTC day.
const PeriodLayout = "2006-01-02"

// Position outcomes.
const (
	OutcomeCredited = "credited"
	OutcomeExpired  = "expired"
	OutcomeSkipped  = "skipped"
	OutcomeError    = "error"
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Scanner interface {
	All(ctx context.Context) ([]models.Position, error)
}

type PositionStore interface {
	LockTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Position, error)
	AddEarnedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)
}

type Notifier interface {
	Notify(ctx context.Context, tx pgx.Tx, n models.Notification) error
}

type Lifecycle interface {
	Expire(ctx context.Context, tx pgx.Tx, pos *models.Position, now time.Time) (*lifecycle.Settlement, error)
	Settled(ctx context.Context, s *lifecycle.Settlement)
	Policies() lifecycle.Policies
}

// PositionError is a per-position failure recorded in a TickReport.
type PositionError struct {
	PositionID uuid.UUID   `json:"position_id"`
	Kind       models.Kind `json:"kind"`
	ErrorKind  string      `json:"error_kind"`
	Message    string      `json:"message"`
}

// TickReport summarizes one RunTick call across all of its attempts.
type TickReport struct {
	StartedAt          time.Time       `json:"started_at"`
	FinishedAt         time.Time       `json:"finished_at"`
	Period             string          `json:"period"`
	PositionsProcessed int             `json:"positions_processed"`
	PositionsCredited  int             `json:"positions_credited"`
	PositionsExpired   int             `json:"positions_expired"`
	PositionsSkipped   int             `json:"positions_skipped"`
	Attempts           int             `json:"attempts"`
	Errors             []PositionError `json:"errors"`
}

type Deps struct {
	DB        TxBeginner
	Scanner   Scanner
	Positions PositionStore
	Ledger    ledger.Service
	Notifier  Notifier
	Lifecycle Lifecycle
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Log       *slog.Logger
	Now       func() time.Time

	MaxAttempts int
	BackoffBase time.Duration
	Workers     int
}

type Engine struct {
	db        TxBeginner
	scanner   Scanner
	positions PositionStore
	ledger    ledger.Service
	notifier  Notifier
	lifecycle Lifecycle
	publisher events.Publisher
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time

	maxAttempts int
	backoffBase time.Duration
	workers     int
}

func NewEngine(d Deps) *Engine {
	e := &Engine{
		db:          d.DB,
		scanner:     d.Scanner,
		positions:   d.Positions,
		ledger:      d.Ledger,
		notifier:    d.Notifier,
		lifecycle:   d.Lifecycle,
		publisher:   d.Publisher,
		metrics:     d.Metrics,
		log:         d.Log,
		now:         d.Now,
		maxAttempts: d.MaxAttempts,
		backoffBase: d.BackoffBase,
		workers:     d.Workers,
	}
	if e.publisher == nil {
		e.publisher = events.NopPublisher{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.maxAttempts < 1 {
		e.maxAttempts = 3
	}
	if e.backoffBase <= 0 {
		e.backoffBase = 100 * time.Millisecond
	}
	if e.workers < 1 {
		e.workers = 1
	}
	return e
}

type result struct {
	kind    models.Kind
	outcome string
	err     *PositionError
}

// tick collects per-position results across attempts. A position that was
// credited or expired keeps that outcome; anything else is replaced by the
// latest attempt.
type tick struct {
	mu      sync.Mutex
	results map[uuid.UUID]result
}

func (t *tick) record(id uuid.UUID, r result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.results[id]; ok && (prev.outcome == OutcomeCredited || prev.outcome == OutcomeExpired) {
		return
	}
	t.results[id] = r
}

func (t *tick) report(r *TickReport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r.PositionsProcessed = len(t.results)
	r.Errors = []PositionError{}
	for _, res := range t.results {
		switch res.outcome {
		case OutcomeCredited:
			r.PositionsCredited++
		case OutcomeExpired:
			r.PositionsExpired++
		case OutcomeSkipped:
			r.PositionsSkipped++
		case OutcomeError:
			r.Errors = append(r.Errors, *res.err)
		}
	}
	sort.Slice(r.Errors, func(i, j int) bool {
		return r.Errors[i].PositionID.String() < r.Errors[j].PositionID.String()
	})
}

// RunTick runs one accrual pass over every active position. Transient store
// failures abort the current attempt, which is retried with linear backoff
// up to the configured number of attempts. The report is returned even when
// the tick fails.
func (e *Engine) RunTick(ctx context.Context) (TickReport, error) {
	start := e.now().UTC()
	report := TickReport{StartedAt: start, Period: start.Format(PeriodLayout)}
	t := &tick{results: make(map[uuid.UUID]result)}

	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		report.Attempts = attempt
		err = e.attempt(ctx, t, report.Period)
		if err == nil || !IsTransient(err) || ctx.Err() != nil {
			break
		}
		if attempt == e.maxAttempts {
			break
		}
		e.metrics.IncTickRetry()
		e.log.Warn("accrual attempt failed, retrying", "attempt", attempt, "error", err)
		if werr := sleep(ctx, e.backoffBase*time.Duration(attempt)); werr != nil {
			err = werr
			break
		}
	}

	t.report(&report)
	report.FinishedAt = e.now().UTC()

	status := "ok"
	if err != nil {
		status = "failed"
	}
	e.metrics.ObserveTick(status, report.FinishedAt.Sub(report.StartedAt))
	e.log.Info("accrual tick finished",
		"period", report.Period,
		"status", status,
		"attempts", report.Attempts,
		"processed", report.PositionsProcessed,
		"credited", report.PositionsCredited,
		"expired", report.PositionsExpired,
		"skipped", report.PositionsSkipped,
		"errors", len(report.Errors),
	)
	if perr := e.publisher.Publish(ctx, report.Period, events.New(events.TypeTickCompleted, report)); perr != nil {
		e.log.Warn("tick event not published", "error", perr)
	}

	if err != nil {
		return report, fmt.Errorf("accrual tick %s: %w", report.Period, err)
	}
	return report, nil
}

func (e *Engine) attempt(ctx context.Context, t *tick, period string) error {
	list, err := e.scanner.All(ctx)
	if err != nil {
		return err
	}
	now := e.now().UTC()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range list {
		pos := list[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			outcome, err := e.processPosition(gctx, &pos, period, now)
			if err == nil {
				t.record(pos.ID, result{kind: pos.Kind, outcome: outcome})
				e.metrics.ObservePosition(string(pos.Kind), outcome)
				return nil
			}
			if errors.Is(err, context.Canceled) && gctx.Err() != nil {
				return err
			}

			pe := &PositionError{PositionID: pos.ID, Kind: pos.Kind, ErrorKind: classify(err), Message: err.Error()}
			t.record(pos.ID, result{kind: pos.Kind, outcome: OutcomeError, err: pe})
			e.metrics.ObservePosition(string(pos.Kind), OutcomeError)
			e.metrics.IncPositionError(pe.ErrorKind)
			e.log.Error("accrual failed for position",
				"position_id", pos.ID,
				"kind", pos.Kind,
				"error_kind", pe.ErrorKind,
				"error", err,
			)
			if pe.ErrorKind == ErrorKindTransientStore {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) processPosition(ctx context.Context, scanned *models.Position, period string, now time.Time) (string, error) {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	if err := e.positions.LockTx(ctx, tx, scanned.ID); err != nil {
		return "", err
	}
	pos, err := e.positions.GetForUpdate(ctx, tx, scanned.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}
	if !pos.Active {
		return OutcomeSkipped, nil
	}

	if pos.Expired(now) {
		return e.expire(ctx, tx, pos, now)
	}

	policy, err := e.lifecycle.Policies().For(pos.Kind)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDataIntegrity, err)
	}
	profit, err := ComputeProfit(policy, pos)
	if err != nil {
		return "", err
	}
	if profit.IsZero() {
		return OutcomeSkipped, nil
	}

	done, err := e.ledger.Recorded(ctx, tx, pos.ID, models.EntryProfitCredit, period)
	if err != nil {
		return "", err
	}
	if done {
		return OutcomeSkipped, nil
	}

	balance, err := e.ledger.Apply(ctx, tx, ledger.Mutation{
		AccountID:  pos.AccountID,
		Amount:     profit,
		Kind:       models.EntryProfitCredit,
		PositionID: &pos.ID,
		Period:     period,
		Memo:       string(pos.Kind),
	})
	if errors.Is(err, ledger.ErrDuplicateEntry) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}
	earned, err := e.positions.AddEarnedTx(ctx, tx, pos.ID, profit)
	if err != nil {
		return "", err
	}
	pos.CumulativeEarned = earned

	if n, ok := policy.Render(lifecycle.EventCredited, pos, profit); ok {
		if err := e.notifier.Notify(ctx, tx, n); err != nil {
			e.log.Warn("credit notification dropped", "position_id", pos.ID, "error", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}

	amount, _ := profit.Float64()
	e.metrics.AddProfit(string(pos.Kind), amount)
	e.publish(ctx, pos.AccountID, events.TypeProfitCredited, CreditedEvent{
		PositionID:       pos.ID,
		AccountID:        pos.AccountID,
		Kind:             pos.Kind,
		Period:           period,
		Amount:           profit,
		CumulativeEarned: earned,
		Balance:          balance,
	})
	return OutcomeCredited, nil
}

func (e *Engine) expire(ctx context.Context, tx pgx.Tx, pos *models.Position, now time.Time) (string, error) {
	s, err := e.lifecycle.Expire(ctx, tx, pos, now)
	if err != nil {
		return "", err
	}
	if s.Noop {
		return OutcomeSkipped, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	e.lifecycle.Settled(ctx, s)
	e.publish(ctx, pos.AccountID, events.TypePositionClosed, s)
	return OutcomeExpired, nil
}

func (e *Engine) publish(ctx context.Context, accountID uuid.UUID, eventType string, payload any) {
	if err := e.publisher.Publish(ctx, accountID.String(), events.New(eventType, payload)); err != nil {
		e.log.Warn("event not published", "type", eventType, "account_id", accountID, "error", err)
	}
}

// CreditedEvent is the payload of an accrual.credited event.
type CreditedEvent struct {
	PositionID       uuid.UUID       `json:"position_id"`
	AccountID        uuid.UUID       `json:"account_id"`
	Kind             models.Kind     `json:"kind"`
	Period           string          `json:"period"`
	Amount           decimal.Decimal `json:"amount"`
	CumulativeEarned decimal.Decimal `json:"cumulative_earned"`
	Balance          decimal.Decimal `json:"balance"`
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
