package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/bridge-service/internal/domain"
)

func seedAccount(t *testing.T, repo *MemoryRepository, balance string) (*domain.User, *domain.LedgerAccount, *domain.BankLink) {
	t.Helper()
	ctx := context.Background()
	user := &domain.User{ID: uuid.New(), Email: "ada@example.com", Name: "Ada", Phone: "+2348000000000", AuthorizedDevice: "device-1"}
	account := &domain.LedgerAccount{ID: uuid.New(), Address: "G" + uuid.NewString(), Balance: decimal.RequireFromString(balance)}
	if err := repo.CreateUser(ctx, user, account); err != nil {
		t.Fatalf("create user: %v", err)
	}
	link := &domain.BankLink{ID: uuid.New(), UserID: user.ID, BankName: "First Bank", AccountNumber: "0011", RoutingNumber: "0210", Status: domain.BankLinkConnected}
	if err := repo.CreateBankLink(ctx, link); err != nil {
		t.Fatalf("create bank link: %v", err)
	}
	return user, account, link
}

func newTransfer(user *domain.User, account *domain.LedgerAccount, link *domain.BankLink, direction domain.Direction, amount string) *domain.Transfer {
	return &domain.Transfer{
		ID:              uuid.New(),
		UserID:          user.ID,
		LedgerAccountID: account.ID,
		LedgerAddress:   account.Address,
		BankLinkID:      link.ID,
		Direction:       direction,
		Amount:          decimal.RequireFromString(amount),
		IdempotencyKey:  uuid.NewString(),
	}
}

func TestCreateUserRejectsDuplicateEmailAndDevice(t *testing.T) {
	repo := NewMemoryRepository("bridge.events")
	user, _, _ := seedAccount(t, repo, "0")

	dup := &domain.User{ID: uuid.New(), Email: "ADA@example.com", AuthorizedDevice: user.AuthorizedDevice}
	err := repo.CreateUser(context.Background(), dup, &domain.LedgerAccount{ID: uuid.New(), Address: "GOTHER"})
	if !errors.Is(err, ErrDuplicateAccount) {
		t.Fatalf("expected ErrDuplicateAccount, got %v", err)
	}

	otherDevice := &domain.User{ID: uuid.New(), Email: user.Email, AuthorizedDevice: "device-2"}
	if err := repo.CreateUser(context.Background(), otherDevice, &domain.LedgerAccount{ID: uuid.New(), Address: "GOTHER"}); err != nil {
		t.Fatalf("expected a different device to register, got %v", err)
	}
}

func TestBeginTransferWithdrawalHoldsSerialize(t *testing.T) {
	repo := NewMemoryRepository("bridge.events")
	user, account, link := seedAccount(t, repo, "100")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.BeginTransfer(context.Background(), newTransfer(user, account, link, domain.DirectionWithdrawal, "60"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientFunds):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 || rejected != 1 {
		t.Fatalf("expected one hold and one rejection, got %d/%d", succeeded, rejected)
	}
}

func TestBeginTransferDuplicateKey(t *testing.T) {
	repo := NewMemoryRepository("bridge.events")
	user, account, link := seedAccount(t, repo, "0")

	first := newTransfer(user, account, link, domain.DirectionDeposit, "10")
	if _, err := repo.BeginTransfer(context.Background(), first); err != nil {
		t.Fatalf("begin transfer: %v", err)
	}
	second := newTransfer(user, account, link, domain.DirectionDeposit, "10")
	second.IdempotencyKey = first.IdempotencyKey
	if _, err := repo.BeginTransfer(context.Background(), second); !errors.Is(err, ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
}

func TestIdempotencyKeysAreScopedToUser(t *testing.T) {
	repo := NewMemoryRepository("bridge.events")
	ctx := context.Background()
	user, account, link := seedAccount(t, repo, "0")

	other := &domain.User{ID: uuid.New(), Email: "bola@example.com", AuthorizedDevice: "device-9"}
	otherAccount := &domain.LedgerAccount{ID: uuid.New(), Address: "GBOLA"}
	if err := repo.CreateUser(ctx, other, otherAccount); err != nil {
		t.Fatalf("create user: %v", err)
	}
	otherLink := &domain.BankLink{ID: uuid.New(), UserID: other.ID, BankName: "GTBank", AccountNumber: "0099", RoutingNumber: "0580", Status: domain.BankLinkConnected}
	if err := repo.CreateBankLink(ctx, otherLink); err != nil {
		t.Fatalf("create bank link: %v", err)
	}

	mine := newTransfer(user, account, link, domain.DirectionDeposit, "10")
	mine.IdempotencyKey = "deposit-1"
	if _, err := repo.BeginTransfer(ctx, mine); err != nil {
		t.Fatalf("begin transfer: %v", err)
	}
	theirs := newTransfer(other, otherAccount, otherLink, domain.DirectionDeposit, "25")
	theirs.IdempotencyKey = "deposit-1"
	if _, err := repo.BeginTransfer(ctx, theirs); err != nil {
		t.Fatalf("expected another user to reuse the key, got %v", err)
	}

	found, err := repo.GetByIdempotencyKey(ctx, other.ID, "deposit-1")
	if err != nil || found.ID != theirs.ID {
		t.Fatalf("expected the other user's transfer, got %v (%v)", found, err)
	}
	if _, err := repo.GetByIdempotencyKey(ctx, uuid.New(), "deposit-1"); !errors.Is(err, ErrTransferNotFound) {
		t.Fatalf("expected ErrTransferNotFound for a stranger, got %v", err)
	}
}

func TestReviewTransitionClearsLimbo(t *testing.T) {
	repo := NewMemoryRepository("bridge.events")
	ctx := context.Background()
	user, account, link := seedAccount(t, repo, "100")
	created, err := repo.BeginTransfer(ctx, newTransfer(user, account, link, domain.DirectionWithdrawal, "80"))
	if err != nil {
		t.Fatalf("begin transfer: %v", err)
	}
	parked, err := repo.Advance(ctx, domain.TransitionParams{
		TransferID: created.ID, From: domain.StatusInitiated, To: domain.StatusManualReview, FundsInLimbo: true,
	})
	if err != nil || !parked.FundsInLimbo {
		t.Fatalf("expected a parked limbo transfer, got %+v (%v)", parked, err)
	}
	if _, err := repo.BeginTransfer(ctx, newTransfer(user, account, link, domain.DirectionWithdrawal, "50")); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected the limbo withdrawal to hold funds, got %v", err)
	}

	failed, err := repo.Advance(ctx, domain.TransitionParams{
		TransferID: created.ID, From: domain.StatusManualReview, To: domain.StatusSourceDebitFailed, ClearLimbo: true,
	})
	if err != nil {
		t.Fatalf("resolve parked transfer: %v", err)
	}
	if failed.FundsInLimbo {
		t.Fatalf("expected limbo flag to be cleared")
	}
	if _, err := repo.BeginTransfer(ctx, newTransfer(user, account, link, domain.DirectionWithdrawal, "50")); err != nil {
		t.Fatalf("expected the hold to be released, got %v", err)
	}
	limbo, _ := repo.ListFundsInLimbo(ctx, 10)
	if len(limbo) != 0 {
		t.Fatalf("expected no limbo transfers, got %d", len(limbo))
	}
}

func TestFindUsersByEmailListsEveryDevice(t *testing.T) {
	repo := NewMemoryRepository("bridge.events")
	user, _, _ := seedAccount(t, repo, "0")
	second := &domain.User{ID: uuid.New(), Email: "ADA@example.com", AuthorizedDevice: "device-2"}
	if err := repo.CreateUser(context.Background(), second, &domain.LedgerAccount{ID: uuid.New(), Address: "GSECOND"}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	users, err := repo.FindUsersByEmail(context.Background(), user.Email)
	if err != nil {
		t.Fatalf("find users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected both registrations, got %d", len(users))
	}
}

func TestAdvanceIsCompareAndSet(t *testing.T) {
	repo := NewMemoryRepository("bridge.events")
	user, account, link := seedAccount(t, repo, "0")
	created, err := repo.BeginTransfer(context.Background(), newTransfer(user, account, link, domain.DirectionDeposit, "10"))
	if err != nil {
		t.Fatalf("begin transfer: %v", err)
	}

	ref := "bank-1"
	advanced, err := repo.Advance(context.Background(), domain.TransitionParams{
		TransferID: created.ID, From: domain.StatusInitiated, To: domain.StatusSourceDebited, SourceRef: &ref,
	})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if advanced.SourceRef == nil || *advanced.SourceRef != ref {
		t.Fatalf("expected source ref to be stored")
	}

	_, err = repo.Advance(context.Background(), domain.TransitionParams{
		TransferID: created.ID, From: domain.StatusInitiated, To: domain.StatusCancelled,
	})
	if !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}

	_, err = repo.Advance(context.Background(), domain.TransitionParams{
		TransferID: created.ID, From: domain.StatusSourceDebited, To: domain.StatusCompleted,
	})
	if !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("expected illegal edge to be refused, got %v", err)
	}
}

func TestCommitBalanceChangeOnlyFromDestCredited(t *testing.T) {
	repo := NewMemoryRepository("bridge.events")
	user, account, link := seedAccount(t, repo, "5")
	created, err := repo.BeginTransfer(context.Background(), newTransfer(user, account, link, domain.DirectionDeposit, "10"))
	if err != nil {
		t.Fatalf("begin transfer: %v", err)
	}

	if _, _, err := repo.CommitBalanceChange(context.Background(), created.ID, account.ID, created.BalanceDelta()); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("expected commit from initiated to be refused, got %v", err)
	}

	for _, step := range [][2]domain.TransferStatus{
		{domain.StatusInitiated, domain.StatusSourceDebited},
		{domain.StatusSourceDebited, domain.StatusDestCredited},
	} {
		if _, err := repo.Advance(context.Background(), domain.TransitionParams{TransferID: created.ID, From: step[0], To: step[1]}); err != nil {
			t.Fatalf("advance %s: %v", step[1], err)
		}
	}

	completed, balance, err := repo.CommitBalanceChange(context.Background(), created.ID, account.ID, created.BalanceDelta())
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if completed.Status != domain.StatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("expected completed transfer, got %s", completed.Status)
	}
	if !balance.Equal(decimal.RequireFromString("15")) {
		t.Fatalf("expected balance 15, got %s", balance)
	}

	if _, _, err := repo.CommitBalanceChange(context.Background(), created.ID, account.ID, created.BalanceDelta()); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("expected second commit to be refused, got %v", err)
	}
}

func TestDeleteBankLinkBlockedByActiveTransfer(t *testing.T) {
	repo := NewMemoryRepository("bridge.events")
	user, account, link := seedAccount(t, repo, "0")
	created, err := repo.BeginTransfer(context.Background(), newTransfer(user, account, link, domain.DirectionDeposit, "10"))
	if err != nil {
		t.Fatalf("begin transfer: %v", err)
	}

	if err := repo.DeleteBankLink(context.Background(), link.ID, user.ID); !errors.Is(err, ErrBankLinkInUse) {
		t.Fatalf("expected ErrBankLinkInUse, got %v", err)
	}

	if _, err := repo.Advance(context.Background(), domain.TransitionParams{TransferID: created.ID, From: domain.StatusInitiated, To: domain.StatusCancelled}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := repo.DeleteBankLink(context.Background(), link.ID, user.ID); err != nil {
		t.Fatalf("delete bank link: %v", err)
	}

	kept, err := repo.FindTransferByID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("transfer must survive link removal: %v", err)
	}
	if kept.BankAccountNumber != created.BankAccountNumber {
		t.Fatalf("expected bank snapshot to be retained")
	}
}

func TestListStaleTransfersSkipsTerminal(t *testing.T) {
	repo := NewMemoryRepository("bridge.events")
	user, account, link := seedAccount(t, repo, "0")
	open, _ := repo.BeginTransfer(context.Background(), newTransfer(user, account, link, domain.DirectionDeposit, "10"))
	closed, _ := repo.BeginTransfer(context.Background(), newTransfer(user, account, link, domain.DirectionDeposit, "10"))
	if _, err := repo.Advance(context.Background(), domain.TransitionParams{TransferID: closed.ID, From: domain.StatusInitiated, To: domain.StatusCancelled}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	stale, err := repo.ListStaleTransfers(context.Background(), time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != open.ID {
		t.Fatalf("expected only the open transfer, got %d", len(stale))
	}
}

func TestOutboxClaimFailPublish(t *testing.T) {
	repo := NewMemoryRepository("bridge.events")
	user, account, link := seedAccount(t, repo, "0")
	if _, err := repo.BeginTransfer(context.Background(), newTransfer(user, account, link, domain.DirectionDeposit, "10")); err != nil {
		t.Fatalf("begin transfer: %v", err)
	}

	claimed, err := repo.ClaimOutboxMessages(context.Background(), 10, 60)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("expected one claimed message, got %d (%v)", len(claimed), err)
	}
	if claimed[0].RoutingKey != "transfer.initiated" || claimed[0].Exchange != "bridge.events" {
		t.Fatalf("unexpected message %+v", claimed[0])
	}

	again, _ := repo.ClaimOutboxMessages(context.Background(), 10, 60)
	if len(again) != 0 {
		t.Fatalf("expected claimed message to be leased")
	}

	if err := repo.MarkOutboxFailed(context.Background(), claimed[0].ID, 60, "broker down"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if repo.OutboxStatus(claimed[0].ID) != "pending" {
		t.Fatalf("expected failed message to return to pending")
	}
	if err := repo.MarkOutboxPublished(context.Background(), claimed[0].ID); err != nil {
		t.Fatalf("mark published: %v", err)
	}
	if repo.OutboxStatus(claimed[0].ID) != "published" {
		t.Fatalf("expected published status")
	}
}
