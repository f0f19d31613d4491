package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/bridge-service/internal/domain"
	"github.com/transfa/bridge-service/internal/store"
	"github.com/transfa/bridge-service/pkg/bankclient"
	"github.com/transfa/bridge-service/pkg/gateway"
	"github.com/transfa/bridge-service/pkg/ledgerclient"
)

// scriptedRemote hands out queued results per operation and counts calls.
// An operation with an empty queue commits.
type scriptedRemote struct {
	mu      sync.Mutex
	prefix  string
	scripts map[string][]gateway.Result
	calls   map[string]int
	seq     int
}

func newScriptedRemote(prefix string) *scriptedRemote {
	return &scriptedRemote{prefix: prefix, scripts: make(map[string][]gateway.Result), calls: make(map[string]int)}
}

func (s *scriptedRemote) script(op string, results ...gateway.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[op] = append(s.scripts[op], results...)
}

func (s *scriptedRemote) next(op string) gateway.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if queue := s.scripts[op]; len(queue) > 0 {
		s.scripts[op] = queue[1:]
		return queue[0]
	}
	s.seq++
	return gateway.Result{Outcome: gateway.Committed, RemoteRef: fmt.Sprintf("%s-%s-%d", s.prefix, op, s.seq)}
}

func (s *scriptedRemote) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

type fakeBank struct {
	*scriptedRemote
}

func newFakeBank() *fakeBank {
	return &fakeBank{scriptedRemote: newScriptedRemote("bank")}
}

func (b *fakeBank) Withdraw(ctx context.Context, account bankclient.AccountRef, amount decimal.Decimal, customerRef, key string) gateway.Result {
	return b.next("withdraw")
}

func (b *fakeBank) Deposit(ctx context.Context, account bankclient.AccountRef, amount decimal.Decimal, customerRef, key string) gateway.Result {
	return b.next("deposit")
}

func (b *fakeBank) Refund(ctx context.Context, account bankclient.AccountRef, amount decimal.Decimal, customerRef, key string) gateway.Result {
	return b.next("refund")
}

func (b *fakeBank) QueryTransfer(ctx context.Context, key string, op bankclient.Operation) gateway.Result {
	return b.next("query_" + string(op))
}

func (b *fakeBank) VerifyAccount(ctx context.Context, account bankclient.AccountRef, holder string) (gateway.Result, *bankclient.VerifyResponse) {
	res := b.next("verify")
	resp := &bankclient.VerifyResponse{}
	resp.Data.Verified = res.Outcome == gateway.Committed
	return res, resp
}

func (b *fakeBank) NotifyDisconnect(ctx context.Context, account bankclient.AccountRef, customerRef string) gateway.Result {
	return b.next("disconnect")
}

type fakeLedger struct {
	*scriptedRemote
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{scriptedRemote: newScriptedRemote("ledger")}
}

func (l *fakeLedger) Debit(ctx context.Context, address string, amount decimal.Decimal, reference, key string) gateway.Result {
	return l.next("debit")
}

func (l *fakeLedger) Credit(ctx context.Context, address string, amount decimal.Decimal, reference, key string) gateway.Result {
	return l.next("credit")
}

func (l *fakeLedger) Refund(ctx context.Context, address string, amount decimal.Decimal, reference, key string) gateway.Result {
	return l.next("refund")
}

func (l *fakeLedger) QueryTransfer(ctx context.Context, key string, op ledgerclient.Operation) gateway.Result {
	return l.next("query_" + string(op))
}

func (l *fakeLedger) CreateAccount(ctx context.Context, ownerReference string) (string, gateway.Result) {
	res := l.next("create_account")
	if res.Outcome != gateway.Committed {
		return "", res
	}
	return "G" + ownerReference, res
}

type stubTokenIssuer struct{}

func (stubTokenIssuer) Issue(userID uuid.UUID) (string, time.Time, error) {
	return "token-" + userID.String(), time.Now().Add(time.Hour), nil
}

func testRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		MaxAttempts: 3,
		Jitter:      func(time.Duration) time.Duration { return 0 },
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	repo         *store.MemoryRepository
	bank         *fakeBank
	ledger       *fakeLedger
	directory    *Directory
	orchestrator *Orchestrator
	user         *domain.User
	account      *domain.LedgerAccount
	link         *domain.BankLink
}

func newHarness(t *testing.T, balance string) *harness {
	t.Helper()
	h := &harness{
		repo:   store.NewMemoryRepository("bridge.events"),
		bank:   newFakeBank(),
		ledger: newFakeLedger(),
	}
	h.directory = NewDirectory(h.repo, h.bank, h.ledger, stubTokenIssuer{}, testRetryPolicy(), discardLogger())
	h.orchestrator = NewOrchestrator(h.repo, h.directory, h.bank, h.ledger, OrchestratorConfig{
		MinAmount:  decimal.RequireFromString("1"),
		MaxAmount:  decimal.RequireFromString("10000"),
		Retry:      testRetryPolicy(),
		StaleAfter: time.Minute,
	}, NewMetrics(), discardLogger())

	location := "Lagos"
	h.user = &domain.User{ID: uuid.New(), Email: "ada@example.com", Name: "Ada Obi", Phone: "+2348000000000", AuthorizedDevice: "device-1", Location: &location}
	h.account = &domain.LedgerAccount{ID: uuid.New(), Address: "GADA", Balance: decimal.RequireFromString(balance)}
	if err := h.repo.CreateUser(context.Background(), h.user, h.account); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	h.link = &domain.BankLink{ID: uuid.New(), UserID: h.user.ID, BankName: "First Bank", AccountNumber: "0011223344", RoutingNumber: "021000021", Status: domain.BankLinkConnected}
	if err := h.repo.CreateBankLink(context.Background(), h.link); err != nil {
		t.Fatalf("seed bank link: %v", err)
	}
	return h
}

func (h *harness) request(amount string) domain.TransferRequest {
	return domain.TransferRequest{
		UserID:           h.user.ID,
		LedgerAddress:    h.account.Address,
		Amount:           decimal.RequireFromString(amount),
		BankConnectionID: h.link.ID,
	}
}

func (h *harness) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	account, err := h.repo.FindLedgerAccountByUserID(context.Background(), h.user.ID)
	if err != nil {
		t.Fatalf("load ledger account: %v", err)
	}
	return account.Balance
}

func ambiguous() gateway.Result {
	return gateway.Result{Outcome: gateway.AmbiguousTimeout, Reason: "timeout"}
}

func unreachable() gateway.Result {
	return gateway.Result{Outcome: gateway.Unreachable, Reason: "connection refused"}
}

func rejected(reason string) gateway.Result {
	return gateway.Result{Outcome: gateway.Rejected, Reason: reason}
}

func notFound() gateway.Result {
	return gateway.Result{Outcome: gateway.NotFound}
}
