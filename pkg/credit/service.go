package credit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// CatalogProvider returns the cost catalog currently in effect. Hot reload
// swaps the catalog behind this closure; a request keeps whichever catalog
// it resolved first.
type CatalogProvider func() CostCatalog

// PlanProvider returns the plan definitions currently in effect.
type PlanProvider func() PlanSet

// Service contains the domain logic over a Store: the authorization gate,
// the reconciler, and the allowance scheduler all mutate balances through
// the same transactional append in here.
type Service struct {
	store               Store
	catalog             CatalogProvider
	plans               PlanProvider
	nowFn               func() int64
	logger              OperationLogger
	notificationCeiling Credits
}

// NewService wires a Service.
func NewService(store Store, catalog CatalogProvider, plans PlanProvider, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidServiceConfig)
	}
	if plans == nil {
		return nil, fmt.Errorf("%w: plan dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:               store,
		catalog:             catalog,
		plans:               plans,
		nowFn:               now,
		notificationCeiling: notificationCeilingC,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Authorize performs a pre-flight credit check and, when granted, debits the
// operation's cost atomically before the caller does any billable work.
// Insufficient balance is an expected outcome, returned as a denial with the
// shortfall rather than an error.
func (service *Service) Authorize(ctx context.Context, accountID AccountID, operationType OperationType, metadata MetadataJSON) (Authorization, error) {
	cost, err := service.catalog().Cost(operationType)
	if err != nil {
		return Authorization{}, err
	}
	var authorization Authorization
	operationError := service.withLedgerTx(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if !account.Active {
			return ErrAccountInactive
		}
		if account.CreditsExempt {
			authorization = Authorization{
				Granted:          true,
				RemainingBalance: account.Balance,
				CostCharged:      0,
			}
			return nil
		}
		transaction, err := service.appendLocked(ctx, txStore, &account, appendInput{
			amount:        -cost,
			kind:          KindSpent,
			operationType: operationType,
			description:   fmt.Sprintf("%s (%d credits)", operationType, cost),
			metadata:      metadata,
		})
		var insufficient InsufficientBalanceError
		if errors.As(err, &insufficient) {
			authorization = Authorization{
				Granted:          false,
				RemainingBalance: insufficient.Balance,
				CostCharged:      cost,
				Shortfall:        insufficient.Shortfall,
			}
			return nil
		}
		if err != nil {
			return err
		}
		authorization = Authorization{
			Granted:          true,
			TransactionID:    transaction.TransactionID,
			RemainingBalance: transaction.BalanceAfter,
			CostCharged:      cost,
		}
		return nil
	})
	status := ""
	if operationError == nil && !authorization.Granted {
		status = operationStatusDenied
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationAuthorize,
		AccountID:     accountID,
		TransactionID: authorization.TransactionID,
		Amount:        -authorization.CostCharged,
		Kind:          KindSpent,
		OperationType: operationType,
		Status:        status,
		Error:         operationError,
	})
	return authorization, operationError
}

// Refund appends a compensating transaction for exactly the amount of the
// original spent transaction. Calling it twice for the same transaction id
// returns the existing refund without crediting again.
func (service *Service) Refund(ctx context.Context, transactionID TransactionID, reason string) (Transaction, error) {
	refundRef, err := deriveExternalRef(refundRefPrefix, transactionID.String())
	if err != nil {
		return Transaction{}, err
	}
	var refund Transaction
	operationError := service.withLedgerTx(ctx, func(ctx context.Context, txStore Store) error {
		existing, err := txStore.FindTransactionByExternalRef(ctx, refundRef)
		if err == nil {
			refund = existing
			return nil
		}
		if !errors.Is(err, ErrTransactionNotFound) {
			return err
		}
		original, err := txStore.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if original.Kind != KindSpent {
			return fmt.Errorf("%w: %s is %s, only spent transactions can be refunded", ErrNotRefundable, transactionID, original.Kind)
		}
		account, err := txStore.GetAccountForUpdate(ctx, original.AccountID)
		if err != nil {
			return err
		}
		metadata, err := NewMetadataJSON(fmt.Sprintf(`{"refund_of":%q}`, transactionID))
		if err != nil {
			return err
		}
		refund, err = service.appendLocked(ctx, txStore, &account, appendInput{
			amount:      -original.Amount,
			kind:        KindRefunded,
			externalRef: refundRef,
			description: fmt.Sprintf("refund of %s: %s", transactionID, reason),
			metadata:    metadata,
		})
		return err
	})
	// A concurrent refund can beat the insert between the idempotency read
	// and the append; the unique external_ref index catches it. Re-read and
	// return the winner.
	if errors.Is(operationError, ErrDuplicateExternalRef) {
		existing, lookupErr := service.store.FindTransactionByExternalRef(ctx, refundRef)
		if lookupErr == nil {
			refund = existing
			operationError = nil
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationRefund,
		AccountID:     refund.AccountID,
		TransactionID: refund.TransactionID,
		Amount:        refund.Amount,
		Kind:          KindRefunded,
		ExternalRef:   refundRef,
		Error:         operationError,
	})
	return refund, operationError
}

type appendInput struct {
	amount        Credits
	kind          TransactionKind
	operationType OperationType
	externalRef   ExternalRef
	description   string
	metadata      MetadataJSON
}

// appendLocked writes one ledger transaction and the matching account
// mutation as a unit. The caller holds the account row lock; the account
// value is updated in place so a caller can persist further fields in the
// same store transaction.
func (service *Service) appendLocked(ctx context.Context, txStore Store, account *Account, input appendInput) (Transaction, error) {
	newBalance := account.Balance + input.amount
	if newBalance < 0 && input.kind == KindSpent {
		return Transaction{}, InsufficientBalanceError{
			Balance:   account.Balance,
			Cost:      -input.amount,
			Shortfall: -newBalance,
		}
	}
	transaction := Transaction{
		TransactionID:  GenerateTransactionID(),
		AccountID:      account.AccountID,
		Amount:         input.amount,
		BalanceAfter:   newBalance,
		Kind:           input.kind,
		OperationType:  input.operationType,
		ExternalRef:    input.externalRef,
		Description:    input.description,
		Metadata:       input.metadata,
		CreatedUnixUTC: service.nowFn(),
	}
	if err := txStore.InsertTransaction(ctx, transaction); err != nil {
		return Transaction{}, err
	}
	account.Balance = newBalance
	switch input.kind {
	case KindSpent:
		account.LifetimeUsed += -input.amount
	case KindPurchased:
		account.LifetimePurchased += input.amount
	case KindAllocated:
		account.LifetimeGranted += input.amount
	}
	if err := txStore.UpdateAccount(ctx, *account); err != nil {
		return Transaction{}, err
	}
	return transaction, nil
}

// withLedgerTx runs fn in a store transaction, retrying bounded times with
// jittered backoff when the store reports a write conflict. Conflicts past
// the cap surface as ErrLedgerConflict for the transport to map to a
// transient failure.
func (service *Service) withLedgerTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	var lastErr error
	for attempt := 0; attempt < maxConflictAttempts; attempt++ {
		lastErr = service.store.WithTx(ctx, fn)
		if !errors.Is(lastErr, ErrLedgerConflict) {
			return lastErr
		}
		backoff := conflictBackoffBase<<attempt + time.Duration(rand.Int63n(int64(conflictBackoffBase)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// deriveExternalRef builds an internal idempotency reference under the
// reserved namespace.
func deriveExternalRef(segments ...string) (ExternalRef, error) {
	combined := internalRefNamespace
	for _, segment := range segments {
		combined += externalRefDelimiter + segment
	}
	return NewExternalRef(combined)
}
