package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/abkawan/approval-ledger/internal/models"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps every record in process memory behind one mutex. It
// implements the same contracts as Postgres and backs local runs
// (STORE_DRIVER=memory) and the service tests.
type MemoryStore struct {
	mu sync.Mutex

	users           map[string]models.User
	accounts        map[string]models.Account
	accountNumbers  map[string]string
	transactions    map[string]models.Transaction
	references      map[string]string
	authorizations  map[string]models.Authorization
	accountRequests map[string]models.AccountRequest
	profileRequests map[string]models.ProfileUpdateRequest
	decisions       []models.DecisionRecord

	// failCreateAuthorization simulates a failed second insert in tests.
	failCreateAuthorization error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:           make(map[string]models.User),
		accounts:        make(map[string]models.Account),
		accountNumbers:  make(map[string]string),
		transactions:    make(map[string]models.Transaction),
		references:      make(map[string]string),
		authorizations:  make(map[string]models.Authorization),
		accountRequests: make(map[string]models.AccountRequest),
		profileRequests: make(map[string]models.ProfileUpdateRequest),
	}
}

func (m *MemoryStore) CreateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[u.ID]; ok {
		return ErrDuplicate
	}
	m.users[u.ID] = *u
	return nil
}

func (m *MemoryStore) LookupUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *MemoryStore) UpdateProfileField(ctx context.Context, userID string, field models.ProfileField, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.SetProfileValue(field, value)
	u.UpdatedAt = time.Now().UTC()
	m.users[userID] = u
	return nil
}

func (m *MemoryStore) CreateAccount(ctx context.Context, acc *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[acc.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.accountNumbers[acc.AccountNumber]; ok {
		return ErrDuplicate
	}
	m.accounts[acc.ID] = *acc
	m.accountNumbers[acc.AccountNumber] = acc.ID
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &acc, nil
}

func (m *MemoryStore) GetAccountByNumber(ctx context.Context, number string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.accountNumbers[number]
	if !ok {
		return nil, ErrNotFound
	}
	acc := m.accounts[id]
	return &acc, nil
}

func (m *MemoryStore) ApplyDelta(ctx context.Context, id string, delta decimal.Decimal, expectedVersion int64) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if acc.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	next := acc.Balance.Add(delta)
	if next.IsNegative() {
		return nil, ErrInsufficientFunds
	}
	acc.Balance = next
	acc.Version++
	acc.UpdatedAt = time.Now().UTC()
	m.accounts[id] = acc
	return &acc, nil
}

func (m *MemoryStore) SetAccountStatus(ctx context.Context, id string, status models.AccountStatus) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	acc.Status = status
	acc.Version++
	acc.UpdatedAt = time.Now().UTC()
	m.accounts[id] = acc
	return &acc, nil
}

func (m *MemoryStore) CloseAccount(ctx context.Context, id string, expectedVersion int64) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if acc.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	if !acc.Balance.IsZero() {
		return nil, ErrBalanceNotZero
	}
	acc.Status = models.AccountInactive
	acc.Version++
	acc.UpdatedAt = time.Now().UTC()
	m.accounts[id] = acc
	return &acc, nil
}

func (m *MemoryStore) CreateTransaction(ctx context.Context, tx *models.Transaction, auth *models.Authorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[tx.ID]; ok {
		return ErrDuplicate
	}
	if tx.Reference != "" {
		if _, ok := m.references[tx.Reference]; ok {
			return ErrDuplicate
		}
	}
	// both records or neither
	if m.failCreateAuthorization != nil {
		return m.failCreateAuthorization
	}
	m.transactions[tx.ID] = *tx
	m.authorizations[tx.ID] = *auth
	if tx.Reference != "" {
		m.references[tx.Reference] = tx.ID
	}
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &tx, nil
}

func (m *MemoryStore) GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.references[reference]
	if !ok {
		return nil, ErrNotFound
	}
	tx := m.transactions[id]
	return &tx, nil
}

func (m *MemoryStore) GetAuthorization(ctx context.Context, transactionID string) (*models.Authorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	auth, ok := m.authorizations[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &auth, nil
}

func (m *MemoryStore) ListTransactionsByStatus(ctx context.Context, status models.TransactionStatus, limit, offset int) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Transaction
	for _, tx := range m.transactions {
		if tx.Status == status {
			tx := tx
			out = append(out, &tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (m *MemoryStore) ListTransactionsByAccount(ctx context.Context, accountID string, limit, offset int) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Transaction
	for _, tx := range m.transactions {
		if tx.SenderAccountID == accountID || tx.ReceiverAccountID == accountID {
			tx := tx
			out = append(out, &tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (m *MemoryStore) ListTransactionsByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Transaction
	for _, tx := range m.transactions {
		if tx.RequesterID == requesterID {
			tx := tx
			out = append(out, &tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (m *MemoryStore) UpdateTransactionStatus(ctx context.Context, u models.TransactionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[u.TransactionID]
	if !ok {
		return ErrNotFound
	}
	auth, ok := m.authorizations[u.TransactionID]
	if !ok {
		return ErrNotFound
	}
	if tx.Status != u.From {
		return ErrStaleStatus
	}
	if u.AuthTo != "" && auth.Status != u.AuthFrom {
		return ErrStaleStatus
	}

	tx.Status = u.To
	tx.UpdatedAt = u.At
	if u.Reason != "" {
		tx.Detail = u.Reason
	}
	if u.AuthTo != "" {
		auth.Status = u.AuthTo
		auth.UpdatedAt = u.At
		if u.ApproverID != "" {
			auth.ApproverID = u.ApproverID
		}
		if u.Reason != "" {
			auth.DenialReason = u.Reason
		}
	}
	m.transactions[u.TransactionID] = tx
	m.authorizations[u.TransactionID] = auth
	return nil
}

func (m *MemoryStore) CreateAccountRequest(ctx context.Context, r *models.AccountRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accountRequests[r.ID]; ok {
		return ErrDuplicate
	}
	m.accountRequests[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetAccountRequest(ctx context.Context, id string) (*models.AccountRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.accountRequests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryStore) ListAccountRequestsByStatus(ctx context.Context, status models.RequestStatus, limit, offset int) ([]*models.AccountRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.AccountRequest
	for _, r := range m.accountRequests {
		if r.Status == status {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (m *MemoryStore) ListAccountRequestsByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*models.AccountRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.AccountRequest
	for _, r := range m.accountRequests {
		if r.RequesterID == requesterID {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (m *MemoryStore) UpdateAccountRequestStatus(ctx context.Context, u models.RequestUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.accountRequests[u.RequestID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != u.From {
		return ErrStaleStatus
	}
	r.Status = u.To
	r.UpdatedAt = u.At
	if u.ApproverID != "" {
		r.ApproverID = u.ApproverID
		at := u.At
		r.DecidedAt = &at
	}
	if u.Reason != "" {
		r.RejectionReason = u.Reason
	}
	if u.AccountID != "" {
		r.AccountID = u.AccountID
	}
	m.accountRequests[u.RequestID] = r
	return nil
}

func (m *MemoryStore) CreateProfileUpdateRequest(ctx context.Context, r *models.ProfileUpdateRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.profileRequests[r.ID]; ok {
		return ErrDuplicate
	}
	m.profileRequests[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetProfileUpdateRequest(ctx context.Context, id string) (*models.ProfileUpdateRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.profileRequests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryStore) ListProfileUpdateRequestsByStatus(ctx context.Context, status models.RequestStatus, limit, offset int) ([]*models.ProfileUpdateRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.ProfileUpdateRequest
	for _, r := range m.profileRequests {
		if r.Status == status {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (m *MemoryStore) ListProfileUpdateRequestsByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*models.ProfileUpdateRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.ProfileUpdateRequest
	for _, r := range m.profileRequests {
		if r.RequesterID == requesterID {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (m *MemoryStore) UpdateProfileUpdateRequestStatus(ctx context.Context, u models.RequestUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.profileRequests[u.RequestID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != u.From {
		return ErrStaleStatus
	}
	r.Status = u.To
	r.UpdatedAt = u.At
	if u.ApproverID != "" {
		r.ApproverID = u.ApproverID
		at := u.At
		r.DecidedAt = &at
	}
	if u.Reason != "" {
		r.RejectionReason = u.Reason
	}
	m.profileRequests[u.RequestID] = r
	return nil
}

func (m *MemoryStore) RecordDecision(ctx context.Context, r *models.DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.decisions {
		if d.ID == r.ID {
			return ErrDuplicate
		}
	}
	m.decisions = append(m.decisions, *r)
	return nil
}

// ListDecisionsByApprover returns the approver's decisions, newest first.
func (m *MemoryStore) ListDecisionsByApprover(ctx context.Context, approverID string, limit, offset int) ([]*models.DecisionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.DecisionRecord
	for i := len(m.decisions) - 1; i >= 0; i-- {
		if d := m.decisions[i]; d.ApproverID == approverID {
			out = append(out, &d)
		}
	}
	return page(out, limit, offset), nil
}

// FailNextAuthorizationInsert makes CreateTransaction fail with err before
// anything is written, the way a failed authorization insert rolls back the
// SQL transaction in Postgres. Pass nil to clear.
func (m *MemoryStore) FailNextAuthorizationInsert(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCreateAuthorization = err
}

// Counts reports how many transactions and authorizations are stored.
func (m *MemoryStore) Counts() (transactions, authorizations int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transactions), len(m.authorizations)
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// MemoryInbox is the in-process notification inbox used when MongoDB is not
// configured.
type MemoryInbox struct {
	mu    sync.Mutex
	items []models.Notification
	seen  map[string]bool
}

func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{seen: make(map[string]bool)}
}

func (m *MemoryInbox) CreateNotification(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n.ID != "" && m.seen[n.ID] {
		return nil
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	m.seen[n.ID] = true
	m.items = append(m.items, *n)
	return nil
}

func (m *MemoryInbox) ListNotifications(ctx context.Context, userID string, limit, offset int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Notification
	for i := len(m.items) - 1; i >= 0; i-- {
		if m.items[i].UserID == userID {
			n := m.items[i]
			out = append(out, &n)
		}
	}
	return page(out, limit, offset), nil
}

func (m *MemoryInbox) Name() string { return "memory" }

func (m *MemoryInbox) Deliver(ctx context.Context, n models.Notification) error {
	return m.CreateNotification(ctx, &n)
}
