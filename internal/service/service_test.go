package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abkawan/approval-ledger/internal/db"
	"github.com/abkawan/approval-ledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, n models.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingNotifier) titlesFor(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var titles []string
	for _, n := range r.sent {
		if n.UserID == userID {
			titles = append(titles, n.Title)
		}
	}
	return titles
}

func (r *recordingNotifier) last() models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[len(r.sent)-1]
}

type fixture struct {
	ctx      context.Context
	store    *db.MemoryStore
	executor *Executor
	engine   *Engine
	notes    *recordingNotifier

	alice, bob, admin, clerk *models.User
	sender, receiver         *models.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		ctx:   context.Background(),
		store: db.NewMemoryStore(),
		notes: &recordingNotifier{},
	}

	f.alice = f.addUser(t, "user-alice", models.RoleCustomer)
	f.bob = f.addUser(t, "user-bob", models.RoleCustomer)
	f.admin = f.addUser(t, "user-admin", models.RoleAdmin)
	f.clerk = f.addUser(t, "user-clerk", models.RoleInternalUser)

	f.sender = f.addAccount(t, "acc-s", f.alice.ID, "100000000001", "1000.00")
	f.receiver = f.addAccount(t, "acc-r", f.bob.ID, "100000000002", "500.00")

	f.executor = NewExecutor(f.store, db.NewMemoryLocker(), RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}, zap.NewNop())
	f.engine = NewEngine(f.store, f.executor, f.notes, zap.NewNop())

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var tick int64
	f.engine.now = func() time.Time {
		return base.Add(time.Duration(atomic.AddInt64(&tick, 1)) * time.Second)
	}
	return f
}

func (f *fixture) addUser(t *testing.T, id string, role models.Role) *models.User {
	t.Helper()
	now := time.Now().UTC()
	u := &models.User{
		ID:        id,
		Username:  id,
		FirstName: "First",
		LastName:  "Last",
		Email:     id + "@example.com",
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.store.CreateUser(f.ctx, u))
	return u
}

func (f *fixture) addAccount(t *testing.T, id, owner, number, balance string) *models.Account {
	t.Helper()
	now := time.Now().UTC()
	acc := &models.Account{
		ID:            id,
		OwnerID:       owner,
		AccountNumber: number,
		Type:          "CHECKING",
		Balance:       dec(balance),
		Status:        models.AccountActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, f.store.CreateAccount(f.ctx, acc))
	return acc
}

func (f *fixture) balance(t *testing.T, id string) string {
	t.Helper()
	acc, err := f.store.GetAccount(f.ctx, id)
	require.NoError(t, err)
	return acc.Balance.StringFixed(2)
}

func (f *fixture) transfer(t *testing.T, from, to *models.Account, amount string) *models.Transaction {
	t.Helper()
	owner := f.alice.ID
	if from.OwnerID == f.bob.ID {
		owner = f.bob.ID
	}
	tx, _, err := f.engine.SubmitTransaction(f.ctx, models.TransactionRequest{
		RequesterID:           owner,
		Type:                  models.Transfer,
		SenderAccountNumber:   from.AccountNumber,
		ReceiverAccountNumber: to.AccountNumber,
		Amount:                dec(amount),
	})
	require.NoError(t, err)
	return tx
}

func (f *fixture) approve(id string) (*models.StatusView, error) {
	return f.engine.Decide(f.ctx, models.Decision{
		RequestID:  id,
		ApproverID: f.admin.ID,
		Outcome:    models.OutcomeApprove,
	})
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
