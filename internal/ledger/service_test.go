package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/restockd/restockd-backend/pkg/db/models"
	"github.com/restockd/restockd-backend/pkg/enums"
	pkgerrors "github.com/restockd/restockd-backend/pkg/errors"
)

type fakeRepository struct {
	pairs   map[uuid.UUID]*models.AccountPair
	entries []models.LedgerEntry
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{pairs: make(map[uuid.UUID]*models.AccountPair)}
}

func (f *fakeRepository) WithTx(tx *gorm.DB) Repository {
	return f
}

func (f *fakeRepository) Create(ctx context.Context, entry *models.LedgerEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	f.entries = append(f.entries, *entry)
	return nil
}

func (f *fakeRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	for i := range f.entries {
		if f.entries[i].ID == id {
			entry := f.entries[i]
			return &entry, nil
		}
	}
	return nil, nil
}

func (f *fakeRepository) FindByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error) {
	for i := range f.entries {
		if f.entries[i].IdempotencyKey == key {
			entry := f.entries[i]
			return &entry, nil
		}
	}
	return nil, nil
}

func (f *fakeRepository) ListByAccountPair(ctx context.Context, accountPairID uuid.UUID) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	for _, entry := range f.entries {
		if entry.AccountPairID == accountPairID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (f *fakeRepository) ListByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	for _, entry := range f.entries {
		if entry.OrderID != nil && *entry.OrderID == orderID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (f *fakeRepository) FindAccountPair(ctx context.Context, accountPairID uuid.UUID) (*models.AccountPair, error) {
	pair, ok := f.pairs[accountPairID]
	if !ok {
		return nil, nil
	}
	return pair, nil
}

func (f *fakeRepository) addPair(limit string) uuid.UUID {
	id := uuid.New()
	f.pairs[id] = &models.AccountPair{
		ID:          id,
		RetailerID:  uuid.New(),
		CreditLimit: decimal.RequireFromString(limit),
	}
	return id
}

func newTestService(t *testing.T, repo Repository) Service {
	t.Helper()
	svc, err := NewService(repo)
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	return svc
}

func TestService_RecordDebitIdempotentReplay(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	pairID := repo.addPair("10000.00")
	orderID := uuid.New()

	input := RecordEntryInput{
		AccountPairID:  pairID,
		OrderID:        &orderID,
		Amount:         decimal.RequireFromString("5000.00"),
		IdempotencyKey: "debit:" + orderID.String(),
	}

	first, err := svc.RecordDebit(context.Background(), input)
	if err != nil {
		t.Fatalf("RecordDebit error: %v", err)
	}
	second, err := svc.RecordDebit(context.Background(), input)
	if err != nil {
		t.Fatalf("replay error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("replay returned a different entry: %s vs %s", first.ID, second.ID)
	}
	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
}

func TestService_RecordDebitReplayPayloadMismatch(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	pairID := repo.addPair("10000.00")

	input := RecordEntryInput{
		AccountPairID:  pairID,
		Amount:         decimal.RequireFromString("100.00"),
		IdempotencyKey: "debit:reuse",
	}
	if _, err := svc.RecordDebit(context.Background(), input); err != nil {
		t.Fatalf("RecordDebit error: %v", err)
	}

	input.Amount = decimal.RequireFromString("250.00")
	_, err := svc.RecordDebit(context.Background(), input)
	if !pkgerrors.HasCode(err, pkgerrors.CodeConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestService_GetBalanceFoldsEntries(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	pairID := repo.addPair("50000.00")
	ctx := context.Background()

	debit, err := svc.RecordDebit(ctx, RecordEntryInput{
		AccountPairID:  pairID,
		Amount:         decimal.RequireFromString("30000.00"),
		IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if _, err := svc.RecordCredit(ctx, RecordEntryInput{
		AccountPairID:  pairID,
		Amount:         decimal.RequireFromString("10000.00"),
		IdempotencyKey: "k2",
	}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := svc.PlaceHold(ctx, RecordEntryInput{
		AccountPairID:  pairID,
		Amount:         decimal.RequireFromString("5000.00"),
		IdempotencyKey: "k3",
	}); err != nil {
		t.Fatalf("hold: %v", err)
	}

	balance, err := svc.GetBalance(ctx, pairID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !balance.Balance.Equal(decimal.RequireFromString("25000.00")) {
		t.Fatalf("balance = %s, want 25000.00", balance.Balance)
	}
	if !balance.Available.Equal(decimal.RequireFromString("25000.00")) {
		t.Fatalf("available = %s, want 25000.00", balance.Available)
	}

	// Reversing the debit must net it out of the fold.
	if _, err := svc.ReverseEntry(ctx, ReverseEntryInput{
		EntryID:        debit.ID,
		IdempotencyKey: "k4",
	}); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	balance, err = svc.GetBalance(ctx, pairID)
	if err != nil {
		t.Fatalf("GetBalance after reverse: %v", err)
	}
	if !balance.Balance.Equal(decimal.RequireFromString("-5000.00")) {
		t.Fatalf("balance after reverse = %s, want -5000.00", balance.Balance)
	}
}

func TestService_PlaceHoldInsufficientCredit(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	pairID := repo.addPair("30000.00")
	ctx := context.Background()

	if _, err := svc.RecordDebit(ctx, RecordEntryInput{
		AccountPairID:  pairID,
		Amount:         decimal.RequireFromString("28000.00"),
		IdempotencyKey: "k1",
	}); err != nil {
		t.Fatalf("debit: %v", err)
	}

	_, err := svc.PlaceHold(ctx, RecordEntryInput{
		AccountPairID:  pairID,
		Amount:         decimal.RequireFromString("5000.00"),
		IdempotencyKey: "k2",
	})
	if !pkgerrors.HasCode(err, pkgerrors.CodeInsufficientCredit) {
		t.Fatalf("expected INSUFFICIENT_CREDIT, got %v", err)
	}
	typed := pkgerrors.As(err)
	details, ok := typed.Details().(map[string]any)
	if !ok {
		t.Fatalf("expected details map, got %T", typed.Details())
	}
	if details["shortfall"] != "3000" {
		t.Fatalf("shortfall = %v, want 3000", details["shortfall"])
	}
}

func TestService_PlaceHoldReplaySkipsCreditCheck(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	pairID := repo.addPair("10000.00")
	ctx := context.Background()

	input := RecordEntryInput{
		AccountPairID:  pairID,
		Amount:         decimal.RequireFromString("8000.00"),
		IdempotencyKey: "hold:once",
	}
	first, err := svc.PlaceHold(ctx, input)
	if err != nil {
		t.Fatalf("hold: %v", err)
	}

	// Replay after the hold consumed the available credit; the committed
	// entry must come back instead of an insufficient-credit failure.
	second, err := svc.PlaceHold(ctx, input)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("replay returned different entry")
	}
}

func TestService_ReverseReversalRejected(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	pairID := repo.addPair("10000.00")
	ctx := context.Background()

	debit, err := svc.RecordDebit(ctx, RecordEntryInput{
		AccountPairID:  pairID,
		Amount:         decimal.RequireFromString("100.00"),
		IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	reversal, err := svc.ReverseEntry(ctx, ReverseEntryInput{EntryID: debit.ID, IdempotencyKey: "k2"})
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}

	_, err = svc.ReverseEntry(ctx, ReverseEntryInput{EntryID: reversal.ID, IdempotencyKey: "k3"})
	if !pkgerrors.HasCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestService_HasEntry(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	pairID := repo.addPair("10000.00")
	orderID := uuid.New()
	ctx := context.Background()

	if _, err := svc.PlaceHold(ctx, RecordEntryInput{
		AccountPairID:  pairID,
		OrderID:        &orderID,
		Amount:         decimal.RequireFromString("2000.00"),
		IdempotencyKey: "k1",
	}); err != nil {
		t.Fatalf("hold: %v", err)
	}

	has, err := svc.HasEntry(ctx, orderID, enums.LedgerEntryKindHold)
	if err != nil {
		t.Fatalf("HasEntry: %v", err)
	}
	if !has {
		t.Fatal("expected hold entry for order")
	}
	has, err = svc.HasEntry(ctx, orderID, enums.LedgerEntryKindCredit)
	if err != nil {
		t.Fatalf("HasEntry: %v", err)
	}
	if has {
		t.Fatal("did not expect credit entry for order")
	}
}

// raceRepository simulates losing a write race on an idempotency key: the
// pre-insert lookup sees nothing, the insert collides with the concurrent
// winner's row, and the retry lookup finds it.
type raceRepository struct {
	*fakeRepository
	missFirstLookup bool
}

func (r *raceRepository) WithTx(tx *gorm.DB) Repository {
	return r
}

func (r *raceRepository) FindByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error) {
	if r.missFirstLookup {
		r.missFirstLookup = false
		return nil, nil
	}
	return r.fakeRepository.FindByIdempotencyKey(ctx, key)
}

func (r *raceRepository) Create(ctx context.Context, entry *models.LedgerEntry) error {
	if existing, _ := r.fakeRepository.FindByIdempotencyKey(ctx, entry.IdempotencyKey); existing != nil {
		return errors.New("UNIQUE constraint failed: ledger_entries.idempotency_key")
	}
	return r.fakeRepository.Create(ctx, entry)
}

func TestService_RecordDebitLostWriteRace(t *testing.T) {
	base := newFakeRepository()
	pairID := base.addPair("10000.00")
	orderID := uuid.New()
	committed := &models.LedgerEntry{
		AccountPairID:  pairID,
		Kind:           enums.LedgerEntryKindDebit,
		Amount:         decimal.RequireFromString("100.00"),
		OrderID:        &orderID,
		IdempotencyKey: "debit:" + orderID.String(),
	}
	if err := base.Create(context.Background(), committed); err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	repo := &raceRepository{fakeRepository: base, missFirstLookup: true}
	svc := newTestService(t, repo)

	entry, err := svc.RecordDebit(context.Background(), RecordEntryInput{
		AccountPairID:  pairID,
		OrderID:        &orderID,
		Amount:         decimal.RequireFromString("100.00"),
		IdempotencyKey: committed.IdempotencyKey,
	})
	if err != nil {
		t.Fatalf("RecordDebit after losing the race: %v", err)
	}
	if entry.ID != committed.ID {
		t.Fatalf("expected the committed entry back, got %s want %s", entry.ID, committed.ID)
	}
	if len(base.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(base.entries))
	}
}
