package credit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// ResetSummary reports one allowance sweep.
type ResetSummary struct {
	Due     int
	Reset   int
	Skipped int
	Failed  int
}

// ResetDueAccounts sweeps accounts whose billing anchor has passed and
// applies the cycle reset to each. One failing account does not stop the
// sweep; failures are logged and counted.
func (service *Service) ResetDueAccounts(ctx context.Context, nowUnixUTC int64) (ResetSummary, error) {
	accountIDs, err := service.store.ListDueAccountIDs(ctx, nowUnixUTC, sweepBatchSize)
	if err != nil {
		return ResetSummary{}, err
	}
	summary := ResetSummary{Due: len(accountIDs)}
	for _, accountID := range accountIDs {
		applied, resetErr := service.resetAccount(ctx, accountID, nowUnixUTC)
		switch {
		case resetErr != nil:
			summary.Failed++
		case applied:
			summary.Reset++
		default:
			summary.Skipped++
		}
	}
	return summary, nil
}

// resetAccount zeroes out and re-seeds one account's balance to
// carryover + monthly allowance in a single recorded step, then advances
// the billing anchor by one cycle. Idempotent per cycle: the anchor is
// re-checked under the row lock, so a second sweep of an already-advanced
// account is a no-op.
func (service *Service) resetAccount(ctx context.Context, accountID AccountID, nowUnixUTC int64) (bool, error) {
	var (
		applied       bool
		resetAmount   Credits
		transactionID TransactionID
	)
	operationError := service.withLedgerTx(ctx, func(ctx context.Context, txStore Store) error {
		applied = false
		account, err := txStore.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if account.AnchorUnixUTC > nowUnixUTC {
			return nil
		}
		plan, err := service.plans().Plan(account.PlanID)
		if err != nil {
			return err
		}
		carryOver := account.RolloverCap.Apply(account.Balance)
		resetAmount = carryOver + account.MonthlyAllowance - account.Balance
		resetRef, err := deriveExternalRef(externalRefPrefixReset, account.AccountID.String(), strconv.FormatInt(account.AnchorUnixUTC, 10))
		if err != nil {
			return err
		}
		account.AnchorUnixUTC = plan.NextAnchor(account.AnchorUnixUTC)
		transaction, err := service.appendLocked(ctx, txStore, &account, appendInput{
			amount:      resetAmount,
			kind:        KindReset,
			externalRef: resetRef,
			description: fmt.Sprintf("cycle reset: carryover %d + allowance %d", carryOver, account.MonthlyAllowance),
		})
		if err != nil {
			return err
		}
		transactionID = transaction.TransactionID
		applied = true
		return nil
	})
	// A competing sweeper already recorded this cycle's reset; the anchor
	// check plus the derived reference make that a clean skip.
	if errors.Is(operationError, ErrDuplicateExternalRef) {
		operationError = nil
		applied = false
	}
	if operationError != nil || applied {
		service.logOperation(ctx, OperationLog{
			Operation:     operationReset,
			AccountID:     accountID,
			TransactionID: transactionID,
			Amount:        resetAmount,
			Kind:          KindReset,
			Error:         operationError,
		})
	}
	return applied, operationError
}
