package credit

import (
	"context"
	"fmt"
	"strings"
)

// NewAccountInput describes an account to create.
type NewAccountInput struct {
	AccountID     AccountID
	PlanID        PlanID
	CreditsExempt bool
}

// CreateAccount provisions an account on a plan and seeds the opening
// allowance as an allocated transaction, so the very first balance is
// already explained by the log.
func (service *Service) CreateAccount(ctx context.Context, input NewAccountInput) (Account, error) {
	plan, err := service.plans().Plan(input.PlanID)
	if err != nil {
		return Account{}, err
	}
	var created Account
	operationError := service.withLedgerTx(ctx, func(ctx context.Context, txStore Store) error {
		now := service.nowFn()
		account := Account{
			AccountID:        input.AccountID,
			PlanID:           plan.PlanID,
			Balance:          0,
			MonthlyAllowance: plan.MonthlyAllowance,
			RolloverCap:      plan.RolloverCap,
			AnchorUnixUTC:    plan.NextAnchor(now),
			CreditsExempt:    input.CreditsExempt,
			Active:           true,
			CreatedUnixUTC:   now,
		}
		if err := txStore.CreateAccount(ctx, account); err != nil {
			return err
		}
		if plan.MonthlyAllowance > 0 && !input.CreditsExempt {
			if _, err := service.appendLocked(ctx, txStore, &account, appendInput{
				amount:      plan.MonthlyAllowance,
				kind:        KindAllocated,
				description: fmt.Sprintf("opening allowance for plan %s", plan.PlanID),
			}); err != nil {
				return err
			}
		}
		created = account
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCreate,
		AccountID: input.AccountID,
		Amount:    plan.MonthlyAllowance,
		Kind:      KindAllocated,
		Error:     operationError,
	})
	return created, operationError
}

// Grant appends an operator-supplied credit allocation. Grants are always
// audited: the operator identity and reason land in the transaction
// description, and anonymous grants are rejected outright.
func (service *Service) Grant(ctx context.Context, accountID AccountID, amount PositiveCredits, grantedBy string, reason string) (Transaction, error) {
	grantedBy = strings.TrimSpace(grantedBy)
	reason = strings.TrimSpace(reason)
	if grantedBy == "" {
		return Transaction{}, fmt.Errorf("%w: operator identity is required", ErrInvalidGrant)
	}
	if reason == "" {
		return Transaction{}, fmt.Errorf("%w: reason is required", ErrInvalidGrant)
	}
	var grant Transaction
	operationError := service.withLedgerTx(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		metadata, err := NewMetadataJSON(fmt.Sprintf(`{"granted_by":%q}`, grantedBy))
		if err != nil {
			return err
		}
		grant, err = service.appendLocked(ctx, txStore, &account, appendInput{
			amount:      amount.ToCredits(),
			kind:        KindAllocated,
			description: fmt.Sprintf("grant by %s: %s", grantedBy, reason),
			metadata:    metadata,
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationGrant,
		AccountID:     accountID,
		TransactionID: grant.TransactionID,
		Amount:        amount.ToCredits(),
		Kind:          KindAllocated,
		Error:         operationError,
	})
	return grant, operationError
}

// Deactivate flags an account inactive. Deactivation is a flag, not a
// ledger event: the balance and history stay queryable.
func (service *Service) Deactivate(ctx context.Context, accountID AccountID) error {
	operationError := service.withLedgerTx(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if !account.Active {
			return nil
		}
		account.Active = false
		return txStore.UpdateAccount(ctx, account)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDeactivate,
		AccountID: accountID,
		Error:     operationError,
	})
	return operationError
}

// Balance returns the read-only balance projection for one account.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (BalanceView, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return BalanceView{}, err
	}
	return BalanceView{
		AccountID:         account.AccountID,
		Balance:           account.Balance,
		MonthlyAllowance:  account.MonthlyAllowance,
		LifetimeUsed:      account.LifetimeUsed,
		LifetimePurchased: account.LifetimePurchased,
		LifetimeGranted:   account.LifetimeGranted,
		Active:            account.Active,
		AnchorUnixUTC:     account.AnchorUnixUTC,
	}, nil
}

// History lists an account's transactions before a cursor, newest first.
// A zero cursor means "from now"; the limit is clamped to a sane page size.
// Callers resume with the last row's timestamp and transaction id so that
// rows sharing a second with a page boundary are never skipped.
func (service *Service) History(ctx context.Context, accountID AccountID, cursor HistoryCursor, limit int) ([]Transaction, error) {
	if _, err := service.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = historyLimitDefault
	}
	if limit > historyLimitMax {
		limit = historyLimitMax
	}
	if cursor.IsZero() {
		cursor = HistoryCursor{BeforeUnixUTC: service.nowFn() + 1}
	}
	return service.store.ListTransactions(ctx, accountID, cursor, limit)
}

// Costs returns the live cost table.
func (service *Service) Costs() []CostEntry {
	return service.catalog().Entries()
}

// VerifyAccount recomputes the transaction sum and compares it with the
// stored balance. A mismatch is an integrity violation and is never
// swallowed: it is logged loudly and returned to the operator.
func (service *Service) VerifyAccount(ctx context.Context, accountID AccountID) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		sum, err := txStore.SumTransactionAmounts(ctx, accountID)
		if err != nil {
			return err
		}
		if sum != account.Balance {
			return fmt.Errorf("%w: account %s balance %d, transaction sum %d",
				ErrBalanceInvariant, accountID, account.Balance, sum)
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationVerify,
		AccountID: accountID,
		Error:     operationError,
	})
	return operationError
}
