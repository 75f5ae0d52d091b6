package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/contentforge/creditgate/pkg/credit"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON     = "{}"
	pgUniqueViolationCode   = "23505"
	pgSerializationFailure  = "40001"
	pgDeadlockDetected      = "40P01"
	pgLockNotAvailable      = "55P03"
	sqliteConstraintCode    = 19
	sqliteBusyCode          = 5
	sqliteLockedCode        = 6
	dialectPostgres         = "postgres"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectTransaction = "transaction"
	errorSubjectLease       = "lease"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeSum            = "sum"
	errorCodeUpdate         = "update"
	errorCodeAcquire        = "acquire"
	errorCodeRelease        = "release"
	errorCodeConflict       = "conflict"
	errorCodeListDue        = "list_due"
	errorCodeFindByExternal = "find_by_external_ref"
)

// Store implements credit.Store using GORM, against postgres in production
// and sqlite in tests and single-node deployments.
type Store struct {
	db       *gorm.DB
	rowLocks bool
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{
		db: db,
		// SQLite serializes writers at the database level; FOR UPDATE is
		// postgres-only syntax.
		rowLocks: db.Dialector.Name() == dialectPostgres,
	}
}

// WithTx executes fn within a transaction. Driver-level serialization
// failures surface as credit.ErrLedgerConflict for the service retry loop.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credit.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, rowLocks: store.rowLocks})
	})
	if isSerializationConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeConflict, credit.ErrLedgerConflict)
	}
	return err
}

func (store *Store) CreateAccount(ctx context.Context, account credit.Account) error {
	model := accountModel(account)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, credit.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, accountID credit.AccountID) (credit.Account, error) {
	return store.getAccount(ctx, accountID, false)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, accountID credit.AccountID) (credit.Account, error) {
	return store.getAccount(ctx, accountID, store.rowLocks)
}

func (store *Store) getAccount(ctx context.Context, accountID credit.AccountID, forUpdate bool) (credit.Account, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Account
	err := query.Where("account_id = ?", accountID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credit.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credit.ErrAccountNotFound)
		}
		if isSerializationConflict(err) {
			return credit.Account{}, wrapStoreError(errorSubjectAccount, errorCodeConflict, credit.ErrLedgerConflict)
		}
		return credit.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return credit.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) UpdateAccount(ctx context.Context, account credit.Account) error {
	model := accountModel(account)
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", account.AccountID.String()).
		Updates(map[string]any{
			"plan_id":            model.PlanID,
			"balance_credits":    model.BalanceCredits,
			"monthly_allowance":  model.MonthlyAllowance,
			"rollover_cap":       model.RolloverCap,
			"anchor_at":          model.AnchorAt,
			"lifetime_used":      model.LifetimeUsed,
			"lifetime_purchased": model.LifetimePurchased,
			"lifetime_granted":   model.LifetimeGranted,
			"credits_exempt":     model.CreditsExempt,
			"active":             model.Active,
			"updated_at":         time.Now().UTC(),
		})
	if result.Error != nil {
		if isSerializationConflict(result.Error) {
			return wrapStoreError(errorSubjectAccount, errorCodeConflict, credit.ErrLedgerConflict)
		}
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, credit.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction credit.Transaction) error {
	var operationType *string
	if transaction.OperationType != "" {
		value := transaction.OperationType.String()
		operationType = &value
	}
	var externalRef *string
	if !transaction.ExternalRef.IsZero() {
		value := transaction.ExternalRef.String()
		externalRef = &value
	}
	model := CreditTransaction{
		TransactionID: transaction.TransactionID.String(),
		AccountID:     transaction.AccountID.String(),
		AmountCredits: transaction.Amount.Int64(),
		BalanceAfter:  transaction.BalanceAfter.Int64(),
		Kind:          transaction.Kind.String(),
		OperationType: operationType,
		ExternalRef:   externalRef,
		Description:   transaction.Description,
		Metadata:      datatypesJSON(transaction.Metadata.String()),
		CreatedAt:     time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, credit.ErrDuplicateExternalRef)
	}
	if isSerializationConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeConflict, credit.ErrLedgerConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID credit.TransactionID) (credit.Transaction, error) {
	var model CreditTransaction
	err := store.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credit.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, credit.ErrTransactionNotFound)
		}
		return credit.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	transaction, err := mapTransaction(model)
	if err != nil {
		return credit.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) FindTransactionByExternalRef(ctx context.Context, externalRef credit.ExternalRef) (credit.Transaction, error) {
	var model CreditTransaction
	err := store.db.WithContext(ctx).
		Where("external_ref = ?", externalRef.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credit.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeFindByExternal, credit.ErrTransactionNotFound)
		}
		return credit.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeFindByExternal, err)
	}
	transaction, err := mapTransaction(model)
	if err != nil {
		return credit.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID credit.AccountID, cursor credit.HistoryCursor, limit int) ([]credit.Transaction, error) {
	before := time.Unix(cursor.BeforeUnixUTC, 0).UTC()
	query := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String())
	if cursor.BeforeTransactionID.IsZero() {
		query = query.Where("created_at < ?", before)
	} else {
		// Composite comparison matching the sort order: timestamps have
		// second granularity, so the transaction id breaks ties at the
		// page boundary.
		query = query.Where("created_at < ? OR (created_at = ? AND transaction_id < ?)",
			before, before, cursor.BeforeTransactionID.String())
	}
	var rows []CreditTransaction
	err := query.
		Order("created_at DESC, transaction_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]credit.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) SumTransactionAmounts(ctx context.Context, accountID credit.AccountID) (credit.Credits, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select("coalesce(sum(amount_credits),0) as total").
		Where("account_id = ?", accountID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, err)
	}
	return credit.Credits(sum.Total), nil
}

func (store *Store) ListDueAccountIDs(ctx context.Context, nowUnixUTC int64, limit int) ([]credit.AccountID, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	var rawIDs []string
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("active = ? AND anchor_at <= ?", true, now).
		Order("anchor_at ASC").
		Limit(limit).
		Pluck("account_id", &rawIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeListDue, err)
	}
	accountIDs := make([]credit.AccountID, 0, len(rawIDs))
	for _, raw := range rawIDs {
		accountID, err := credit.NewAccountID(raw)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accountIDs = append(accountIDs, accountID)
	}
	return accountIDs, nil
}

// AcquireLease claims the named lease for holder when it is free, expired,
// or already held by the same holder. The claim is a single conditional
// upsert so competing sweepers cannot both win.
func (store *Store) AcquireLease(ctx context.Context, name string, holder string, ttlSeconds int64, nowUnixUTC int64) (bool, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	expires := now.Add(time.Duration(ttlSeconds) * time.Second)
	lease := SweepLease{Name: name, Holder: holder, ExpiresAt: expires}
	result := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.Assignments(map[string]any{
			"holder":     holder,
			"expires_at": expires,
		}),
		Where: clause.Where{
			Exprs: []clause.Expression{
				gorm.Expr("sweep_leases.expires_at <= ? OR sweep_leases.holder = ?", now, holder),
			},
		},
	}).Create(&lease)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return false, nil
		}
		return false, wrapStoreError(errorSubjectLease, errorCodeAcquire, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) ReleaseLease(ctx context.Context, name string, holder string) error {
	err := store.db.WithContext(ctx).
		Where("name = ? AND holder = ?", name, holder).
		Delete(&SweepLease{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectLease, errorCodeRelease, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credit.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func accountModel(account credit.Account) Account {
	rolloverCap := account.RolloverCap.Cap().Int64()
	if account.RolloverCap.Unlimited() {
		rolloverCap = rolloverUnlimited
	}
	return Account{
		AccountID:         account.AccountID.String(),
		PlanID:            account.PlanID.String(),
		BalanceCredits:    account.Balance.Int64(),
		MonthlyAllowance:  account.MonthlyAllowance.Int64(),
		RolloverCap:       rolloverCap,
		AnchorAt:          time.Unix(account.AnchorUnixUTC, 0).UTC(),
		LifetimeUsed:      account.LifetimeUsed.Int64(),
		LifetimePurchased: account.LifetimePurchased.Int64(),
		LifetimeGranted:   account.LifetimeGranted.Int64(),
		CreditsExempt:     account.CreditsExempt,
		Active:            account.Active,
		CreatedAt:         time.Unix(account.CreatedUnixUTC, 0).UTC(),
	}
}

func mapAccount(model Account) (credit.Account, error) {
	accountID, err := credit.NewAccountID(model.AccountID)
	if err != nil {
		return credit.Account{}, err
	}
	planID, err := credit.NewPlanID(model.PlanID)
	if err != nil {
		return credit.Account{}, err
	}
	rolloverCap := credit.UnlimitedRolloverCap()
	if model.RolloverCap != rolloverUnlimited {
		rolloverCap, err = credit.NewRolloverCap(model.RolloverCap)
		if err != nil {
			return credit.Account{}, err
		}
	}
	return credit.Account{
		AccountID:         accountID,
		PlanID:            planID,
		Balance:           credit.Credits(model.BalanceCredits),
		MonthlyAllowance:  credit.Credits(model.MonthlyAllowance),
		RolloverCap:       rolloverCap,
		AnchorUnixUTC:     model.AnchorAt.Unix(),
		LifetimeUsed:      credit.Credits(model.LifetimeUsed),
		LifetimePurchased: credit.Credits(model.LifetimePurchased),
		LifetimeGranted:   credit.Credits(model.LifetimeGranted),
		CreditsExempt:     model.CreditsExempt,
		Active:            model.Active,
		CreatedUnixUTC:    model.CreatedAt.Unix(),
	}, nil
}

func mapTransaction(model CreditTransaction) (credit.Transaction, error) {
	transactionID, err := credit.NewTransactionID(model.TransactionID)
	if err != nil {
		return credit.Transaction{}, err
	}
	accountID, err := credit.NewAccountID(model.AccountID)
	if err != nil {
		return credit.Transaction{}, err
	}
	kind, err := credit.ParseTransactionKind(model.Kind)
	if err != nil {
		return credit.Transaction{}, err
	}
	var operationType credit.OperationType
	if model.OperationType != nil {
		operationType, err = credit.ParseOperationType(*model.OperationType)
		if err != nil {
			return credit.Transaction{}, err
		}
	}
	var externalRef credit.ExternalRef
	if model.ExternalRef != nil {
		externalRef, err = credit.NewExternalRef(*model.ExternalRef)
		if err != nil {
			return credit.Transaction{}, err
		}
	}
	metadata, err := credit.NewMetadataJSON(string(model.Metadata))
	if err != nil {
		return credit.Transaction{}, err
	}
	return credit.Transaction{
		TransactionID:  transactionID,
		AccountID:      accountID,
		Amount:         credit.Credits(model.AmountCredits),
		BalanceAfter:   credit.Credits(model.BalanceAfter),
		Kind:           kind,
		OperationType:  operationType,
		ExternalRef:    externalRef,
		Description:    model.Description,
		Metadata:       metadata,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isSerializationConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return true
		}
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}
