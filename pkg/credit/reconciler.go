package credit

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotificationKind enumerates payment-processor event kinds.
type NotificationKind string

const (
	NotificationRenewal NotificationKind = "renewal"
	NotificationTopUp   NotificationKind = "topup"
	NotificationRefund  NotificationKind = "refund"
)

// ParseNotificationKind validates a raw notification kind string.
func ParseNotificationKind(raw string) (NotificationKind, error) {
	switch candidate := NotificationKind(raw); candidate {
	case NotificationRenewal, NotificationTopUp, NotificationRefund:
		return candidate, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidNotification, raw)
	}
}

// Notification is an authenticated payment-processor event. Signature
// verification happens at the transport boundary; by the time a
// Notification reaches the reconciler its origin is trusted.
type Notification struct {
	ExternalRef ExternalRef
	AccountID   AccountID
	Amount      Credits
	Kind        NotificationKind
	Metadata    MetadataJSON
}

// ReconcileOutcome classifies what applying a notification did.
type ReconcileOutcome string

const (
	OutcomeApplied        ReconcileOutcome = "applied"
	OutcomeAlreadyApplied ReconcileOutcome = "already_applied"
	OutcomeRejected       ReconcileOutcome = "rejected"
)

// ReconcileResult reports the outcome of one notification.
type ReconcileResult struct {
	Outcome       ReconcileOutcome
	TransactionID TransactionID
	NewBalance    Credits
	Reason        string
}

// ApplyNotification applies a processor notification to the ledger exactly
// once. The transaction log's unique external reference is the idempotency
// record: the dedup check and the credit land in the same unit of work, so
// a retried or duplicated delivery can never double-apply.
func (service *Service) ApplyNotification(ctx context.Context, notification Notification) (ReconcileResult, error) {
	if reason := service.rejectNotification(notification); reason != "" {
		result := ReconcileResult{Outcome: OutcomeRejected, Reason: reason}
		service.logOperation(ctx, OperationLog{
			Operation:   operationReconcile,
			AccountID:   notification.AccountID,
			Amount:      notification.Amount,
			ExternalRef: notification.ExternalRef,
			Status:      operationStatusDenied,
			Error:       fmt.Errorf("%w: %s", ErrInvalidNotification, reason),
		})
		return result, nil
	}
	kind := notification.Kind.transactionKind()
	var result ReconcileResult
	operationError := service.withLedgerTx(ctx, func(ctx context.Context, txStore Store) error {
		existing, err := txStore.FindTransactionByExternalRef(ctx, notification.ExternalRef)
		if err == nil {
			result = ReconcileResult{
				Outcome:       OutcomeAlreadyApplied,
				TransactionID: existing.TransactionID,
				NewBalance:    existing.BalanceAfter,
			}
			return nil
		}
		if !errors.Is(err, ErrTransactionNotFound) {
			return err
		}
		account, err := txStore.GetAccountForUpdate(ctx, notification.AccountID)
		if err != nil {
			return err
		}
		transaction, err := service.appendLocked(ctx, txStore, &account, appendInput{
			amount:      notification.Amount,
			kind:        kind,
			externalRef: notification.ExternalRef,
			description: fmt.Sprintf("processor %s %s", notification.Kind, notification.ExternalRef),
			metadata:    notification.Metadata,
		})
		if err != nil {
			return err
		}
		result = ReconcileResult{
			Outcome:       OutcomeApplied,
			TransactionID: transaction.TransactionID,
			NewBalance:    transaction.BalanceAfter,
		}
		return nil
	})
	// Concurrent deliveries of the same event race past the pure read; the
	// unique index serializes them and the loser re-reads the winner's row.
	if errors.Is(operationError, ErrDuplicateExternalRef) {
		existing, lookupErr := service.store.FindTransactionByExternalRef(ctx, notification.ExternalRef)
		if lookupErr == nil {
			result = ReconcileResult{
				Outcome:       OutcomeAlreadyApplied,
				TransactionID: existing.TransactionID,
				NewBalance:    existing.BalanceAfter,
			}
			operationError = nil
		}
	}
	// Unknown accounts are a rejection, not a transport failure: the
	// processor must stop retrying while operators investigate.
	if errors.Is(operationError, ErrAccountNotFound) {
		result = ReconcileResult{Outcome: OutcomeRejected, Reason: "unknown account"}
		service.logOperation(ctx, OperationLog{
			Operation:   operationReconcile,
			AccountID:   notification.AccountID,
			Amount:      notification.Amount,
			ExternalRef: notification.ExternalRef,
			Status:      operationStatusDenied,
			Error:       operationError,
		})
		return result, nil
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationReconcile,
		AccountID:     notification.AccountID,
		TransactionID: result.TransactionID,
		Amount:        notification.Amount,
		Kind:          kind,
		ExternalRef:   notification.ExternalRef,
		Error:         operationError,
	})
	return result, operationError
}

// rejectNotification returns a non-empty reason when the notification fails
// validation. Rejections are surfaced to operators, never silently dropped.
func (service *Service) rejectNotification(notification Notification) string {
	if notification.ExternalRef.IsZero() {
		return "missing external reference"
	}
	if strings.HasPrefix(notification.ExternalRef.String(), internalRefNamespace+externalRefDelimiter) {
		return "external reference uses a reserved namespace"
	}
	if notification.AccountID.IsZero() {
		return "missing account id"
	}
	switch notification.Kind {
	case NotificationRenewal, NotificationTopUp:
		if notification.Amount <= 0 {
			return fmt.Sprintf("%s amount must be positive, got %d", notification.Kind, notification.Amount)
		}
	case NotificationRefund:
		if notification.Amount >= 0 {
			return fmt.Sprintf("refund amount must be negative, got %d", notification.Amount)
		}
	default:
		return fmt.Sprintf("unknown kind %q", notification.Kind)
	}
	magnitude := notification.Amount
	if magnitude < 0 {
		magnitude = -magnitude
	}
	if magnitude > service.notificationCeiling {
		return fmt.Sprintf("amount %d exceeds ceiling %d", notification.Amount, service.notificationCeiling)
	}
	return ""
}

func (kind NotificationKind) transactionKind() TransactionKind {
	if kind == NotificationRefund {
		return KindRefunded
	}
	return KindPurchased
}
