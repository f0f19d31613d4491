package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/bridge-service/internal/domain"
)

// MemoryRepository is an in-process Repository used by unit tests and by local runs
// without DATABASE_URL. A single mutex stands in for the row locks of the Postgres store,
// so every operation observes the same serial order.
type MemoryRepository struct {
	mu             sync.Mutex
	eventsExchange string

	users          map[uuid.UUID]*domain.User
	ledgerAccounts map[uuid.UUID]*domain.LedgerAccount
	bankLinks      map[uuid.UUID]*domain.BankLink
	transfers      map[uuid.UUID]*domain.Transfer
	byKey          map[idempotencyScope]uuid.UUID

	outbox       []*memoryOutboxRow
	nextOutboxID int64

	commitErr error
}

type idempotencyScope struct {
	userID uuid.UUID
	key    string
}

type memoryOutboxRow struct {
	msg           OutboxMessage
	status        string
	nextAttemptAt time.Time
	claimedAt     time.Time
	lastError     string
}

// NewMemoryRepository instantiates an empty in-memory store.
func NewMemoryRepository(eventsExchange string) *MemoryRepository {
	return &MemoryRepository{
		eventsExchange: eventsExchange,
		users:          make(map[uuid.UUID]*domain.User),
		ledgerAccounts: make(map[uuid.UUID]*domain.LedgerAccount),
		bankLinks:      make(map[uuid.UUID]*domain.BankLink),
		transfers:      make(map[uuid.UUID]*domain.Transfer),
		byKey:          make(map[idempotencyScope]uuid.UUID),
	}
}

// FailNextCommit makes the next CommitBalanceChange return err without applying anything.
func (m *MemoryRepository) FailNextCommit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitErr = err
}

func (m *MemoryRepository) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryRepository) CreateUser(ctx context.Context, user *domain.User, account *domain.LedgerAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, user.Email) && existing.AuthorizedDevice == user.AuthorizedDevice {
			return ErrDuplicateAccount
		}
	}
	for _, existing := range m.ledgerAccounts {
		if existing.Address == account.Address {
			return ErrDuplicateAccount
		}
	}

	now := time.Now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now
	account.UserID = user.ID
	account.CreatedAt, account.UpdatedAt = now, now

	userCopy := *user
	accountCopy := *account
	m.users[user.ID] = &userCopy
	m.ledgerAccounts[account.ID] = &accountCopy
	return nil
}

func (m *MemoryRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	out := *user
	return &out, nil
}

func (m *MemoryRepository) FindUserByEmailAndDevice(ctx context.Context, email, device string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if strings.EqualFold(user.Email, strings.TrimSpace(email)) && user.AuthorizedDevice == strings.TrimSpace(device) {
			out := *user
			return &out, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *MemoryRepository) FindUsersByEmail(ctx context.Context, email string) ([]domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]domain.User, 0)
	for _, user := range m.users {
		if strings.EqualFold(user.Email, strings.TrimSpace(email)) {
			users = append(users, *user)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.Before(users[j].CreatedAt) })
	return users, nil
}

func (m *MemoryRepository) UpdateUserProfile(ctx context.Context, userID uuid.UUID, name, phone string, location *string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	if name != "" {
		user.Name = name
	}
	if phone != "" {
		user.Phone = phone
	}
	if location != nil {
		loc := *location
		user.Location = &loc
	}
	user.UpdatedAt = time.Now().UTC()
	out := *user
	return &out, nil
}

func (m *MemoryRepository) SetBiometrics(ctx context.Context, userID uuid.UUID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.BiometricsEnabled = enabled
	user.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryRepository) RecordLogin(ctx context.Context, userID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	loginAt := at
	user.LastLogin = &loginAt
	return nil
}

func (m *MemoryRepository) FindLedgerAccountByUserID(ctx context.Context, userID uuid.UUID) (*domain.LedgerAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, account := range m.ledgerAccounts {
		if account.UserID == userID {
			out := *account
			return &out, nil
		}
	}
	return nil, ErrLedgerAccountNotFound
}

func (m *MemoryRepository) CreateBankLink(ctx context.Context, link *domain.BankLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[link.UserID]; !ok {
		return ErrUserNotFound
	}
	for _, existing := range m.bankLinks {
		if existing.UserID == link.UserID && existing.AccountNumber == link.AccountNumber && existing.RoutingNumber == link.RoutingNumber {
			return ErrDuplicateBankLink
		}
	}
	link.CreatedAt = time.Now().UTC()
	out := *link
	m.bankLinks[link.ID] = &out
	return nil
}

func (m *MemoryRepository) FindBankLink(ctx context.Context, linkID, userID uuid.UUID) (*domain.BankLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.bankLinks[linkID]
	if !ok || link.UserID != userID {
		return nil, ErrBankLinkNotFound
	}
	out := *link
	return &out, nil
}

func (m *MemoryRepository) ListBankLinks(ctx context.Context, userID uuid.UUID) ([]domain.BankLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	links := make([]domain.BankLink, 0)
	for _, link := range m.bankLinks {
		if link.UserID == userID {
			links = append(links, *link)
		}
	}
	sort.Slice(links, func(i, j int) bool { return links[i].CreatedAt.Before(links[j].CreatedAt) })
	return links, nil
}

func (m *MemoryRepository) DeleteBankLink(ctx context.Context, linkID, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.bankLinks[linkID]
	if !ok || link.UserID != userID {
		return ErrBankLinkNotFound
	}
	if m.activeTransfersByLinkLocked(linkID) > 0 {
		return ErrBankLinkInUse
	}
	delete(m.bankLinks, linkID)
	for _, t := range m.transfers {
		if t.BankLinkID == linkID {
			t.BankLinkID = uuid.Nil
		}
	}
	return nil
}

func (m *MemoryRepository) CountActiveTransfersByBankLink(ctx context.Context, linkID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeTransfersByLinkLocked(linkID), nil
}

func (m *MemoryRepository) activeTransfersByLinkLocked(linkID uuid.UUID) int {
	count := 0
	for _, t := range m.transfers {
		if t.BankLinkID == linkID && !t.Status.Terminal() {
			count++
		}
	}
	return count
}

func (m *MemoryRepository) BeginTransfer(ctx context.Context, t *domain.Transfer) (*domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.ledgerAccounts[t.LedgerAccountID]
	if !ok {
		return nil, ErrLedgerAccountNotFound
	}
	if _, exists := m.byKey[idempotencyScope{t.UserID, t.IdempotencyKey}]; exists {
		return nil, ErrDuplicateIdempotencyKey
	}

	if t.Direction == domain.DirectionWithdrawal {
		held := decimal.Zero
		for _, existing := range m.transfers {
			if existing.LedgerAccountID == t.LedgerAccountID && existing.Direction == domain.DirectionWithdrawal &&
				(!existing.Status.Terminal() || existing.FundsInLimbo) {
				held = held.Add(existing.Amount)
			}
		}
		if account.Balance.Sub(held).LessThan(t.Amount) {
			return nil, ErrInsufficientFunds
		}
	}

	now := time.Now().UTC()
	created := *t
	created.Status = domain.StatusInitiated
	created.CreatedAt, created.UpdatedAt = now, now
	m.transfers[created.ID] = &created
	m.byKey[idempotencyScope{created.UserID, created.IdempotencyKey}] = created.ID
	m.enqueueLocked(&created, "")

	out := created
	return &out, nil
}

func (m *MemoryRepository) Advance(ctx context.Context, params domain.TransitionParams) (*domain.Transfer, error) {
	if !domain.CanTransition(params.From, params.To) {
		return nil, fmt.Errorf("%w: %s -> %s is not allowed", ErrStaleTransition, params.From, params.To)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transfers[params.TransferID]
	if !ok {
		return nil, ErrTransferNotFound
	}
	if t.Status != params.From {
		return nil, fmt.Errorf("%w: transfer is %s", ErrStaleTransition, t.Status)
	}

	t.Status = params.To
	if params.SourceRef != nil {
		t.SourceRef = copyString(params.SourceRef)
	}
	if params.DestRef != nil {
		t.DestRef = copyString(params.DestRef)
	}
	if params.CompensationRef != nil {
		t.CompensationRef = copyString(params.CompensationRef)
	}
	if params.FailureReason != nil {
		t.FailureReason = copyString(params.FailureReason)
	}
	if params.ClearLimbo {
		t.FundsInLimbo = false
	}
	t.FundsInLimbo = t.FundsInLimbo || params.FundsInLimbo
	t.UpdatedAt = time.Now().UTC()
	m.enqueueLocked(t, params.From)

	out := *t
	return &out, nil
}

func (m *MemoryRepository) CommitBalanceChange(ctx context.Context, transferID, accountID uuid.UUID, delta decimal.Decimal) (*domain.Transfer, decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.commitErr != nil {
		err := m.commitErr
		m.commitErr = nil
		return nil, decimal.Zero, err
	}

	t, ok := m.transfers[transferID]
	if !ok {
		return nil, decimal.Zero, ErrTransferNotFound
	}
	if t.Status != domain.StatusDestCredited {
		return nil, decimal.Zero, fmt.Errorf("%w: transfer is %s", ErrStaleTransition, t.Status)
	}
	account, ok := m.ledgerAccounts[accountID]
	if !ok {
		return nil, decimal.Zero, ErrLedgerAccountNotFound
	}
	newBalance := account.Balance.Add(delta)
	if newBalance.IsNegative() {
		return nil, decimal.Zero, ErrInsufficientFunds
	}

	now := time.Now().UTC()
	account.Balance = newBalance
	account.UpdatedAt = now
	t.Status = domain.StatusCompleted
	t.UpdatedAt = now
	t.CompletedAt = &now
	m.enqueueLocked(t, domain.StatusDestCredited)

	out := *t
	return &out, newBalance, nil
}

func (m *MemoryRepository) GetByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[idempotencyScope{userID, key}]
	if !ok {
		return nil, ErrTransferNotFound
	}
	out := *m.transfers[id]
	return &out, nil
}

func (m *MemoryRepository) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[transferID]
	if !ok {
		return nil, ErrTransferNotFound
	}
	out := *t
	return &out, nil
}

func (m *MemoryRepository) ListTransfersByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Transfer, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	out := m.filterTransfers(func(t *domain.Transfer) bool { return t.UserID == userID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (m *MemoryRepository) ListStaleTransfers(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Transfer, error) {
	if limit <= 0 {
		limit = 50
	}
	out := m.filterTransfers(func(t *domain.Transfer) bool {
		return !t.Status.Terminal() && t.UpdatedAt.Before(updatedBefore)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return page(out, limit, 0), nil
}

func (m *MemoryRepository) ListFundsInLimbo(ctx context.Context, limit int) ([]domain.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	out := m.filterTransfers(func(t *domain.Transfer) bool { return t.FundsInLimbo })
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return page(out, limit, 0), nil
}

func (m *MemoryRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	staleBefore := now.Add(-time.Duration(staleAfterSeconds) * time.Second)
	claimed := make([]OutboxMessage, 0, limit)
	for _, row := range m.outbox {
		if len(claimed) >= limit {
			break
		}
		due := row.status == "pending" && !row.nextAttemptAt.After(now)
		stale := row.status == "processing" && row.claimedAt.Before(staleBefore)
		if !due && !stale {
			continue
		}
		row.status = "processing"
		row.claimedAt = now
		row.msg.Attempts++
		claimed = append(claimed, row.msg)
	}
	return claimed, nil
}

func (m *MemoryRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.outbox {
		if row.msg.ID == id {
			row.status = "published"
			row.lastError = ""
			return nil
		}
	}
	return nil
}

func (m *MemoryRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.outbox {
		if row.msg.ID == id {
			row.status = "pending"
			row.nextAttemptAt = time.Now().UTC().Add(time.Duration(retryAfterSeconds) * time.Second)
			row.lastError = reason
			return nil
		}
	}
	return nil
}

// OutboxStatus reports the delivery status of an outbox row; used by tests.
func (m *MemoryRepository) OutboxStatus(id int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.outbox {
		if row.msg.ID == id {
			return row.status
		}
	}
	return ""
}

// OutboxRoutingKeys lists the routing keys of every enqueued event in order.
func (m *MemoryRepository) OutboxRoutingKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.outbox))
	for _, row := range m.outbox {
		keys = append(keys, row.msg.RoutingKey)
	}
	return keys
}

func (m *MemoryRepository) enqueueLocked(t *domain.Transfer, previous domain.TransferStatus) {
	event := domain.NewTransferEvent(t, previous)
	blob, err := json.Marshal(event)
	if err != nil {
		return
	}
	m.nextOutboxID++
	m.outbox = append(m.outbox, &memoryOutboxRow{
		msg: OutboxMessage{
			ID:         m.nextOutboxID,
			Exchange:   m.eventsExchange,
			RoutingKey: event.RoutingKey(),
			Payload:    blob,
		},
		status:        "pending",
		nextAttemptAt: time.Now().UTC(),
	})
}

func (m *MemoryRepository) filterTransfers(keep func(*domain.Transfer) bool) []domain.Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Transfer, 0)
	for _, t := range m.transfers {
		if keep(t) {
			out = append(out, *t)
		}
	}
	return out
}

func page(transfers []domain.Transfer, limit, offset int) []domain.Transfer {
	if offset >= len(transfers) {
		return []domain.Transfer{}
	}
	end := offset + limit
	if end > len(transfers) {
		end = len(transfers)
	}
	return transfers[offset:end]
}

func copyString(value *string) *string {
	if value == nil {
		return nil
	}
	out := *value
	return &out
}
