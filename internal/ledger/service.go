package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	dbpkg "github.com/restockd/restockd-backend/pkg/db"
	"github.com/restockd/restockd-backend/pkg/db/models"
	"github.com/restockd/restockd-backend/pkg/enums"
	pkgerrors "github.com/restockd/restockd-backend/pkg/errors"
)

// Service defines operations that record and read ledger entries. All write
// paths are idempotent: replaying an idempotency key returns the original
// entry instead of writing a second one.
type Service interface {
	RecordDebit(ctx context.Context, input RecordEntryInput) (*models.LedgerEntry, error)
	RecordCredit(ctx context.Context, input RecordEntryInput) (*models.LedgerEntry, error)
	RecordAdjustment(ctx context.Context, input RecordEntryInput) (*models.LedgerEntry, error)
	PlaceHold(ctx context.Context, input RecordEntryInput) (*models.LedgerEntry, error)
	ReverseEntry(ctx context.Context, input ReverseEntryInput) (*models.LedgerEntry, error)
	GetBalance(ctx context.Context, accountPairID uuid.UUID) (*Balance, error)
	GetLedger(ctx context.Context, accountPairID uuid.UUID) ([]models.LedgerEntry, error)
	EntriesByOrder(ctx context.Context, orderID uuid.UUID) ([]models.LedgerEntry, error)
	HasEntry(ctx context.Context, orderID uuid.UUID, kind enums.LedgerEntryKind) (bool, error)
	WithRepo(repo Repository) Service
}

type service struct {
	repo Repository
}

// RecordEntryInput captures the immutable data a ledger entry requires.
type RecordEntryInput struct {
	AccountPairID  uuid.UUID
	OrderID        *uuid.UUID
	Amount         decimal.Decimal
	IdempotencyKey string
}

// ReverseEntryInput identifies an existing entry to net out.
type ReverseEntryInput struct {
	EntryID        uuid.UUID
	IdempotencyKey string
}

// Balance is the folded view of an account pair. Balance counts debits,
// holds, and adjustments against credits; Available is what remains under
// the pair's credit limit.
type Balance struct {
	AccountPairID uuid.UUID
	Balance       decimal.Decimal
	CreditLimit   decimal.Decimal
	Available     decimal.Decimal
}

// NewService wires a ledger service with the provided repository.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	return &service{repo: repo}, nil
}

// WithRepo returns a service bound to the given repository, typically one
// threaded onto a caller's transaction.
func (s *service) WithRepo(repo Repository) Service {
	if repo == nil {
		return s
	}
	return &service{repo: repo}
}

func (s *service) RecordDebit(ctx context.Context, input RecordEntryInput) (*models.LedgerEntry, error) {
	return s.record(ctx, enums.LedgerEntryKindDebit, input, nil)
}

func (s *service) RecordCredit(ctx context.Context, input RecordEntryInput) (*models.LedgerEntry, error) {
	return s.record(ctx, enums.LedgerEntryKindCredit, input, nil)
}

func (s *service) RecordAdjustment(ctx context.Context, input RecordEntryInput) (*models.LedgerEntry, error) {
	return s.record(ctx, enums.LedgerEntryKindAdjustment, input, nil)
}

// PlaceHold records a hold after checking it fits under the pair's credit
// limit. The check and the write should run inside one caller transaction so
// a concurrent hold cannot slip between them.
func (s *service) PlaceHold(ctx context.Context, input RecordEntryInput) (*models.LedgerEntry, error) {
	if err := validateEntryInput(input); err != nil {
		return nil, err
	}
	existing, err := s.repo.FindByIdempotencyKey(ctx, input.IdempotencyKey)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeLedgerWrite, err, "lookup idempotency key")
	}
	if existing != nil {
		return s.replay(existing, enums.LedgerEntryKindHold, input)
	}

	balance, err := s.GetBalance(ctx, input.AccountPairID)
	if err != nil {
		return nil, err
	}
	if input.Amount.GreaterThan(balance.Available) {
		shortfall := input.Amount.Sub(balance.Available)
		return nil, pkgerrors.New(pkgerrors.CodeInsufficientCredit, "hold exceeds available credit").
			WithDetails(map[string]any{
				"account_pair_id": input.AccountPairID.String(),
				"requested":       input.Amount.String(),
				"available":       balance.Available.String(),
				"shortfall":       shortfall.String(),
			})
	}
	return s.record(ctx, enums.LedgerEntryKindHold, input, nil)
}

// ReverseEntry nets out a prior entry by appending a reversal that points at
// it. The original row is never touched.
func (s *service) ReverseEntry(ctx context.Context, input ReverseEntryInput) (*models.LedgerEntry, error) {
	if input.EntryID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "entry id is required")
	}
	if input.IdempotencyKey == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	}
	existing, err := s.repo.FindByIdempotencyKey(ctx, input.IdempotencyKey)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeLedgerWrite, err, "lookup idempotency key")
	}
	if existing != nil {
		if existing.Kind != enums.LedgerEntryKindReversal {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "idempotency key reused with different payload")
		}
		return existing, nil
	}

	target, err := s.findEntry(ctx, input.EntryID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "ledger entry not found")
	}
	if target.Kind == enums.LedgerEntryKindReversal {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cannot reverse a reversal")
	}

	targetID := target.ID
	return s.record(ctx, enums.LedgerEntryKindReversal, RecordEntryInput{
		AccountPairID:  target.AccountPairID,
		OrderID:        target.OrderID,
		Amount:         target.Amount,
		IdempotencyKey: input.IdempotencyKey,
	}, &targetID)
}

// GetBalance folds the full entry set for the pair. Entries targeted by a
// reversal drop out along with the reversal itself.
func (s *service) GetBalance(ctx context.Context, accountPairID uuid.UUID) (*Balance, error) {
	if accountPairID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "account pair id is required")
	}
	pair, err := s.repo.FindAccountPair(ctx, accountPairID)
	if err != nil {
		return nil, err
	}
	if pair == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "account pair not found")
	}
	entries, err := s.repo.ListByAccountPair(ctx, accountPairID)
	if err != nil {
		return nil, err
	}

	reversed := make(map[uuid.UUID]struct{})
	for _, entry := range entries {
		if entry.Kind == enums.LedgerEntryKindReversal && entry.ReversedEntryID != nil {
			reversed[*entry.ReversedEntryID] = struct{}{}
		}
	}

	balance := decimal.Zero
	for _, entry := range entries {
		if entry.Kind == enums.LedgerEntryKindReversal {
			continue
		}
		if _, ok := reversed[entry.ID]; ok {
			continue
		}
		switch entry.Kind {
		case enums.LedgerEntryKindDebit, enums.LedgerEntryKindHold, enums.LedgerEntryKindAdjustment:
			balance = balance.Add(entry.Amount)
		case enums.LedgerEntryKindCredit:
			balance = balance.Sub(entry.Amount)
		}
	}

	return &Balance{
		AccountPairID: accountPairID,
		Balance:       balance,
		CreditLimit:   pair.CreditLimit,
		Available:     pair.CreditLimit.Sub(balance),
	}, nil
}

func (s *service) GetLedger(ctx context.Context, accountPairID uuid.UUID) ([]models.LedgerEntry, error) {
	if accountPairID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "account pair id is required")
	}
	return s.repo.ListByAccountPair(ctx, accountPairID)
}

func (s *service) EntriesByOrder(ctx context.Context, orderID uuid.UUID) ([]models.LedgerEntry, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	return s.repo.ListByOrderID(ctx, orderID)
}

func (s *service) HasEntry(ctx context.Context, orderID uuid.UUID, kind enums.LedgerEntryKind) (bool, error) {
	if orderID == uuid.Nil {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	if !kind.IsValid() {
		return false, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid ledger entry kind %q", kind))
	}
	entries, err := s.repo.ListByOrderID(ctx, orderID)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if entry.Kind == kind {
			return true, nil
		}
	}
	return false, nil
}

func (s *service) record(ctx context.Context, kind enums.LedgerEntryKind, input RecordEntryInput, reversedEntryID *uuid.UUID) (*models.LedgerEntry, error) {
	if err := validateEntryInput(input); err != nil {
		return nil, err
	}
	existing, err := s.repo.FindByIdempotencyKey(ctx, input.IdempotencyKey)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeLedgerWrite, err, "lookup idempotency key")
	}
	if existing != nil {
		return s.replay(existing, kind, input)
	}

	entry := &models.LedgerEntry{
		AccountPairID:   input.AccountPairID,
		Kind:            kind,
		Amount:          input.Amount,
		OrderID:         input.OrderID,
		IdempotencyKey:  input.IdempotencyKey,
		ReversedEntryID: reversedEntryID,
	}
	if err := s.repo.Create(ctx, entry); err != nil {
		if dbpkg.IsUniqueViolation(err, "ux_ledger_entries_idempotency_key", "ledger_entries.idempotency_key") {
			// Lost a write race on the same key; the committed entry wins.
			committed, findErr := s.repo.FindByIdempotencyKey(ctx, input.IdempotencyKey)
			if findErr != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeLedgerWrite, findErr, "lookup after duplicate key")
			}
			if committed != nil {
				return s.replay(committed, kind, input)
			}
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeLedgerWrite, err, "insert ledger entry")
	}
	return entry, nil
}

// replay returns the previously committed entry for an idempotency key, but
// only when the replayed request matches what was recorded.
func (s *service) replay(existing *models.LedgerEntry, kind enums.LedgerEntryKind, input RecordEntryInput) (*models.LedgerEntry, error) {
	if existing.Kind != kind ||
		existing.AccountPairID != input.AccountPairID ||
		!existing.Amount.Equal(input.Amount) {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "idempotency key reused with different payload").
			WithDetails(map[string]any{"idempotency_key": input.IdempotencyKey})
	}
	return existing, nil
}

func (s *service) findEntry(ctx context.Context, entryID uuid.UUID) (*models.LedgerEntry, error) {
	return s.repo.FindByID(ctx, entryID)
}

func validateEntryInput(input RecordEntryInput) error {
	if input.AccountPairID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "account pair id is required")
	}
	if input.IdempotencyKey == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	}
	if !input.Amount.IsPositive() {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	return nil
}
