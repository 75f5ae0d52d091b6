package credit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

// stubStore is an in-memory Store. A single mutex stands in for the
// database's serialization point, so concurrent service calls exercise the
// same one-writer-per-account property the real store provides.
type stubStore struct {
	mu            sync.Mutex
	accounts      map[string]Account
	transactions  []Transaction
	leases        map[string]stubLease
	conflictsLeft int
}

type stubLease struct {
	holder        string
	expiresUnix   int64
	acquiredCount int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts: make(map[string]Account),
		leases:   make(map[string]stubLease),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.conflictsLeft > 0 {
		store.conflictsLeft--
		return ErrLedgerConflict
	}
	// Mutations apply directly; the service's append order (insert before
	// account update) keeps failed appends side-effect free.
	return fn(ctx, (*lockedStubStore)(store))
}

// lockedStubStore is the in-transaction view; the mutex is already held.
type lockedStubStore stubStore

func (store *lockedStubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) CreateAccount(ctx context.Context, account Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).CreateAccount(ctx, account)
}

func (store *lockedStubStore) CreateAccount(_ context.Context, account Account) error {
	if _, exists := store.accounts[account.AccountID.String()]; exists {
		return ErrAccountExists
	}
	store.accounts[account.AccountID.String()] = account
	return nil
}

func (store *stubStore) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).GetAccount(ctx, accountID)
}

func (store *lockedStubStore) GetAccount(_ context.Context, accountID AccountID) (Account, error) {
	account, exists := store.accounts[accountID.String()]
	if !exists {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, accountID AccountID) (Account, error) {
	return store.GetAccount(ctx, accountID)
}

func (store *lockedStubStore) GetAccountForUpdate(ctx context.Context, accountID AccountID) (Account, error) {
	return store.GetAccount(ctx, accountID)
}

func (store *stubStore) UpdateAccount(ctx context.Context, account Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).UpdateAccount(ctx, account)
}

func (store *lockedStubStore) UpdateAccount(_ context.Context, account Account) error {
	if _, exists := store.accounts[account.AccountID.String()]; !exists {
		return ErrAccountNotFound
	}
	store.accounts[account.AccountID.String()] = account
	return nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).InsertTransaction(ctx, transaction)
}

func (store *lockedStubStore) InsertTransaction(_ context.Context, transaction Transaction) error {
	if !transaction.ExternalRef.IsZero() {
		for _, existing := range store.transactions {
			if existing.ExternalRef == transaction.ExternalRef {
				return ErrDuplicateExternalRef
			}
		}
	}
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).GetTransaction(ctx, transactionID)
}

func (store *lockedStubStore) GetTransaction(_ context.Context, transactionID TransactionID) (Transaction, error) {
	for _, transaction := range store.transactions {
		if transaction.TransactionID == transactionID {
			return transaction, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (store *stubStore) FindTransactionByExternalRef(ctx context.Context, externalRef ExternalRef) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).FindTransactionByExternalRef(ctx, externalRef)
}

func (store *lockedStubStore) FindTransactionByExternalRef(_ context.Context, externalRef ExternalRef) (Transaction, error) {
	for _, transaction := range store.transactions {
		if transaction.ExternalRef == externalRef {
			return transaction, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (store *stubStore) ListTransactions(ctx context.Context, accountID AccountID, cursor HistoryCursor, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).ListTransactions(ctx, accountID, cursor, limit)
}

func (store *lockedStubStore) ListTransactions(_ context.Context, accountID AccountID, cursor HistoryCursor, limit int) ([]Transaction, error) {
	matched := make([]Transaction, 0, limit)
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID && cursor.Admits(transaction) {
			matched = append(matched, transaction)
		}
	}
	sort.Slice(matched, func(left, right int) bool {
		if matched[left].CreatedUnixUTC != matched[right].CreatedUnixUTC {
			return matched[left].CreatedUnixUTC > matched[right].CreatedUnixUTC
		}
		return matched[left].TransactionID.String() > matched[right].TransactionID.String()
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (store *stubStore) SumTransactionAmounts(ctx context.Context, accountID AccountID) (Credits, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).SumTransactionAmounts(ctx, accountID)
}

func (store *lockedStubStore) SumTransactionAmounts(_ context.Context, accountID AccountID) (Credits, error) {
	var sum Credits
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID {
			sum += transaction.Amount
		}
	}
	return sum, nil
}

func (store *stubStore) ListDueAccountIDs(ctx context.Context, nowUnixUTC int64, limit int) ([]AccountID, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).ListDueAccountIDs(ctx, nowUnixUTC, limit)
}

func (store *lockedStubStore) ListDueAccountIDs(_ context.Context, nowUnixUTC int64, limit int) ([]AccountID, error) {
	var due []AccountID
	for _, account := range store.accounts {
		if account.Active && account.AnchorUnixUTC <= nowUnixUTC {
			due = append(due, account.AccountID)
			if len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

func (store *stubStore) AcquireLease(ctx context.Context, name string, holder string, ttlSeconds int64, nowUnixUTC int64) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).AcquireLease(ctx, name, holder, ttlSeconds, nowUnixUTC)
}

func (store *lockedStubStore) AcquireLease(_ context.Context, name string, holder string, ttlSeconds int64, nowUnixUTC int64) (bool, error) {
	lease, exists := store.leases[name]
	if exists && lease.expiresUnix > nowUnixUTC && lease.holder != holder {
		return false, nil
	}
	store.leases[name] = stubLease{
		holder:        holder,
		expiresUnix:   nowUnixUTC + ttlSeconds,
		acquiredCount: lease.acquiredCount + 1,
	}
	return true, nil
}

func (store *stubStore) ReleaseLease(ctx context.Context, name string, holder string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).ReleaseLease(ctx, name, holder)
}

func (store *lockedStubStore) ReleaseLease(_ context.Context, name string, holder string) error {
	lease, exists := store.leases[name]
	if exists && lease.holder == holder {
		delete(store.leases, name)
	}
	return nil
}

const (
	testPlanStarter = "starter"
	testPlanPro     = "pro"
)

func testCatalog(test *testing.T) CostCatalog {
	test.Helper()
	catalog, err := NewCostCatalog(map[string]int64{
		"content_generation": 1,
		"image_generation":   5,
		"video_generation":   25,
		"analysis":           2,
		"brand_audit":        10,
	})
	if err != nil {
		test.Fatalf("test catalog: %v", err)
	}
	return catalog
}

func testPlans(test *testing.T) PlanSet {
	test.Helper()
	starterCap, err := NewRolloverCap(5)
	if err != nil {
		test.Fatalf("starter cap: %v", err)
	}
	starter, err := NewPlan(mustPlanID(test, testPlanStarter), 20, starterCap, 1)
	if err != nil {
		test.Fatalf("starter plan: %v", err)
	}
	pro, err := NewPlan(mustPlanID(test, testPlanPro), 1000, UnlimitedRolloverCap(), 1)
	if err != nil {
		test.Fatalf("pro plan: %v", err)
	}
	plans, err := NewPlanSet([]Plan{starter, pro})
	if err != nil {
		test.Fatalf("test plans: %v", err)
	}
	return plans
}

func mustNewService(test *testing.T, store Store, now func() int64) *Service {
	test.Helper()
	catalog := testCatalog(test)
	plans := testPlans(test)
	service, err := NewService(
		store,
		func() CostCatalog { return catalog },
		func() PlanSet { return plans },
		now,
	)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

func fixedClock(at int64) func() int64 {
	return func() int64 { return at }
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id %q: %v", raw, err)
	}
	return accountID
}

func mustPlanID(test *testing.T, raw string) PlanID {
	test.Helper()
	planID, err := NewPlanID(raw)
	if err != nil {
		test.Fatalf("plan id %q: %v", raw, err)
	}
	return planID
}

func mustExternalRef(test *testing.T, raw string) ExternalRef {
	test.Helper()
	externalRef, err := NewExternalRef(raw)
	if err != nil {
		test.Fatalf("external ref %q: %v", raw, err)
	}
	return externalRef
}

func mustMetadataJSON(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata %q: %v", raw, err)
	}
	return metadata
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	amount, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("credits %d: %v", raw, err)
	}
	return amount
}

// seedAccount installs an account with the given balance and a matching
// allocated transaction so the balance invariant holds from the start.
func seedAccount(test *testing.T, store *stubStore, rawAccountID string, balance int64, configure ...func(*Account)) AccountID {
	test.Helper()
	accountID := mustAccountID(test, rawAccountID)
	cap5, err := NewRolloverCap(5)
	if err != nil {
		test.Fatalf("rollover cap: %v", err)
	}
	account := Account{
		AccountID:        accountID,
		PlanID:           mustPlanID(test, testPlanStarter),
		Balance:          Credits(balance),
		MonthlyAllowance: 20,
		RolloverCap:      cap5,
		AnchorUnixUTC:    time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC).Unix(),
		Active:           true,
		CreatedUnixUTC:   time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).Unix(),
	}
	for _, change := range configure {
		change(&account)
	}
	store.mu.Lock()
	store.accounts[accountID.String()] = account
	if account.Balance != 0 {
		store.transactions = append(store.transactions, Transaction{
			TransactionID:  GenerateTransactionID(),
			AccountID:      accountID,
			Amount:         account.Balance,
			BalanceAfter:   account.Balance,
			Kind:           KindAllocated,
			Description:    "seed",
			CreatedUnixUTC: account.CreatedUnixUTC,
		})
	}
	store.mu.Unlock()
	return accountID
}
