// Package transfers moves money into and out of investor balances through
// operator-reviewed requests. A withdrawal holds its amount as soon as it is
// requested and refunds it if rejected. A deposit credits nothing until an
// operator approves it.
package transfers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/yieldsim/backend/internal/events"
	"github.com/yieldsim/backend/internal/ledger"
	"github.com/yieldsim/backend/internal/models"
	"github.com/yieldsim/backend/internal/repository"
)

var (
	ErrNotFound       = errors.New("transfer not found")
	ErrAlreadyDecided = errors.New("transfer already decided")
	ErrBelowMinimum   = errors.New("amount below transfer minimum")
	ErrInvalidRequest = errors.New("invalid transfer request")
)

// DefaultMinAmount is the smallest deposit or withdrawal accepted.
var DefaultMinAmount = decimal.NewFromInt(10)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Store interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transfer) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Transfer, error)
	DecideTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status, reason, decidedBy string, at time.Time) (bool, error)
	ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transfer, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]*models.Transfer, error)
}

type Notifier interface {
	Notify(ctx context.Context, tx pgx.Tx, n models.Notification) error
}

type Deps struct {
	DB        TxBeginner
	Transfers Store
	Ledger    ledger.Service
	Notifier  Notifier
	Publisher events.Publisher
	MinAmount decimal.Decimal
	Log       *slog.Logger
	Now       func() time.Time
}

type Service struct {
	db        TxBeginner
	transfers Store
	ledger    ledger.Service
	notifier  Notifier
	publisher events.Publisher
	min       decimal.Decimal
	log       *slog.Logger
	now       func() time.Time
}

func NewService(d Deps) *Service {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Publisher == nil {
		d.Publisher = events.NopPublisher{}
	}
	if !d.MinAmount.IsPositive() {
		d.MinAmount = DefaultMinAmount
	}
	return &Service{
		db:        d.DB,
		transfers: d.Transfers,
		ledger:    d.Ledger,
		notifier:  d.Notifier,
		publisher: d.Publisher,
		min:       d.MinAmount,
		log:       d.Log,
		now:       d.Now,
	}
}

// MinAmount is the smallest amount a request may carry.
func (s *Service) MinAmount() decimal.Decimal { return s.min }

// RequestWithdrawal debits amount from the account and records a pending
// withdrawal to address. ledger.ErrInsufficientFunds is returned unwrapped
// when the balance does not cover it.
func (s *Service) RequestWithdrawal(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, address string) (*models.Transfer, error) {
	t, err := s.newTransfer(accountID, models.TransferWithdrawal, amount, address)
	if err != nil {
		return nil, err
	}
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.ledger.Apply(ctx, tx, ledger.Mutation{
			AccountID: accountID,
			Amount:    amount.Neg(),
			Kind:      models.EntryWithdrawal,
			Memo:      "transfer " + t.ID.String(),
		}); err != nil {
			return err
		}
		if err := s.transfers.CreateTx(ctx, tx, t); err != nil {
			return fmt.Errorf("create withdrawal: %w", err)
		}
		s.notify(ctx, tx, t, "Withdrawal requested",
			fmt.Sprintf("Your withdrawal of %s USDT is being processed.", amount.StringFixed(2)), models.LevelInfo)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("withdrawal requested", "transfer_id", t.ID, "account_id", accountID, "amount", amount.String())
	s.publish(ctx, events.TypeTransferRequested, t)
	return t, nil
}

// RequestDeposit records a pending deposit identified by reference. The
// balance is untouched until Approve.
func (s *Service) RequestDeposit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, reference string) (*models.Transfer, error) {
	t, err := s.newTransfer(accountID, models.TransferDeposit, amount, reference)
	if err != nil {
		return nil, err
	}
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		if err := s.transfers.CreateTx(ctx, tx, t); err != nil {
			return fmt.Errorf("create deposit: %w", err)
		}
		s.notify(ctx, tx, t, "Deposit under review",
			fmt.Sprintf("Your deposit of %s USDT is being verified.", amount.StringFixed(2)), models.LevelInfo)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("deposit requested", "transfer_id", t.ID, "account_id", accountID, "amount", amount.String())
	s.publish(ctx, events.TypeTransferRequested, t)
	return t, nil
}

// Approve completes a pending transfer. Deposits are credited here;
// withdrawals were already debited when requested.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, operator string) (*models.Transfer, error) {
	return s.decide(ctx, id, models.TransferCompleted, "", operator)
}

// Reject cancels a pending transfer. A rejected withdrawal is refunded.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, operator, reason string) (*models.Transfer, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "rejected by operator"
	}
	return s.decide(ctx, id, models.TransferRejected, reason, operator)
}

func (s *Service) ListForAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transfer, error) {
	return s.transfers.ListByAccountID(ctx, accountID, limit)
}

// Pending lists transfers awaiting a decision, oldest first.
func (s *Service) Pending(ctx context.Context, limit int) ([]*models.Transfer, error) {
	return s.transfers.ListByStatus(ctx, models.TransferPending, limit)
}

func (s *Service) decide(ctx context.Context, id uuid.UUID, status, reason, operator string) (*models.Transfer, error) {
	var t *models.Transfer
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		t, err = s.transfers.GetForUpdate(ctx, tx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		now := s.now().UTC()
		ok, err := s.transfers.DecideTx(ctx, tx, id, status, reason, operator, now)
		if err != nil {
			return fmt.Errorf("decide transfer: %w", err)
		}
		if !ok {
			return ErrAlreadyDecided
		}
		t.Status, t.Reason, t.DecidedBy, t.DecidedAt = status, reason, operator, &now

		if kind, credit := creditFor(t); credit {
			if _, err := s.ledger.Apply(ctx, tx, ledger.Mutation{
				AccountID: t.AccountID,
				Amount:    t.Amount,
				Kind:      kind,
				Memo:      "transfer " + t.ID.String(),
			}); err != nil {
				return err
			}
		}
		title, body, level := decisionMessage(t)
		s.notify(ctx, tx, t, title, body, level)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("transfer decided", "transfer_id", t.ID, "kind", t.Kind, "status", t.Status, "operator", operator)
	s.publish(ctx, events.TypeTransferDecided, t)
	return t, nil
}

// creditFor reports the ledger credit a decision triggers, if any.
func creditFor(t *models.Transfer) (models.EntryKind, bool) {
	switch {
	case t.Kind == models.TransferDeposit && t.Status == models.TransferCompleted:
		return models.EntryDeposit, true
	case t.Kind == models.TransferWithdrawal && t.Status == models.TransferRejected:
		return models.EntryWithdrawalRefund, true
	}
	return "", false
}

func decisionMessage(t *models.Transfer) (title, body, level string) {
	amount := t.Amount.StringFixed(2)
	switch {
	case t.Status == models.TransferRejected && t.Kind == models.TransferWithdrawal:
		return "Withdrawal rejected",
			fmt.Sprintf("Your withdrawal of %s USDT was rejected and returned to your balance. Reason: %s", amount, t.Reason),
			models.LevelError
	case t.Status == models.TransferRejected:
		return "Deposit rejected", fmt.Sprintf("Your deposit of %s USDT was rejected. Reason: %s", amount, t.Reason), models.LevelError
	case t.Kind == models.TransferWithdrawal:
		return "Withdrawal approved", fmt.Sprintf("Your withdrawal of %s USDT was processed and is on its way.", amount), models.LevelSuccess
	default:
		return "Deposit approved", fmt.Sprintf("Your deposit of %s USDT was credited to your balance.", amount), models.LevelSuccess
	}
}

func (s *Service) newTransfer(accountID uuid.UUID, kind models.TransferKind, amount decimal.Decimal, reference string) (*models.Transfer, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, fmt.Errorf("%w: reference is required", ErrInvalidRequest)
	}
	if amount.LessThan(s.min) {
		return nil, fmt.Errorf("%w: minimum is %s", ErrBelowMinimum, s.min)
	}
	return &models.Transfer{
		ID:        uuid.New(),
		AccountID: accountID,
		Kind:      kind,
		Amount:    amount,
		Reference: reference,
	}, nil
}

func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Service) notify(ctx context.Context, tx pgx.Tx, t *models.Transfer, title, body, level string) {
	if s.notifier == nil {
		return
	}
	n := models.Notification{AccountID: t.AccountID, Title: title, Message: body, Level: level}
	if err := s.notifier.Notify(ctx, tx, n); err != nil {
		s.log.Warn("transfer notification dropped", "transfer_id", t.ID, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, eventType string, t *models.Transfer) {
	if err := s.publisher.Publish(ctx, t.AccountID.String(), events.New(eventType, t)); err != nil {
		s.log.Warn("event not published", "type", eventType, "transfer_id", t.ID, "error", err)
	}
}
