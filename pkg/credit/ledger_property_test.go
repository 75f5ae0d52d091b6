package credit

import (
	"context"
	"math/rand"
	"testing"
	"time"
)

// TestLedgerInvariantUnderRandomInterleavings drives a random mix of
// debits, credits, refunds and cycle resets against one account and checks
// after every operation that the stored balance equals the sum of the
// transaction log. The seed is fixed so a failure replays deterministically.
func TestLedgerInvariantUnderRandomInterleavings(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := seedAccount(test, store, "acct-property", 200)
	now := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC).Unix()
	service := mustNewService(test, store, func() int64 { return now })

	random := rand.New(rand.NewSource(414))
	operations := []OperationType{
		OperationContentGeneration,
		OperationImageGeneration,
		OperationVideoGeneration,
		OperationAnalysis,
		OperationBrandAudit,
	}
	var debits []TransactionID

	checkInvariant := func(step int) {
		account, err := store.GetAccount(context.Background(), accountID)
		if err != nil {
			test.Fatalf("step %d: account lookup: %v", step, err)
		}
		sum, err := store.SumTransactionAmounts(context.Background(), accountID)
		if err != nil {
			test.Fatalf("step %d: sum: %v", step, err)
		}
		if sum != account.Balance {
			test.Fatalf("step %d: balance %d diverged from transaction sum %d", step, account.Balance, sum)
		}
	}

	for step := 0; step < 400; step++ {
		switch random.Intn(6) {
		case 0, 1:
			authorization, err := service.Authorize(context.Background(), accountID, operations[random.Intn(len(operations))], MetadataJSON{})
			if err != nil {
				test.Fatalf("step %d: authorize: %v", step, err)
			}
			if authorization.Granted {
				debits = append(debits, authorization.TransactionID)
			}
		case 2:
			result, err := service.ApplyNotification(context.Background(), Notification{
				ExternalRef: mustExternalRef(test, GenerateTransactionID().String()),
				AccountID:   accountID,
				Amount:      Credits(1 + random.Int63n(50)),
				Kind:        NotificationTopUp,
			})
			if err != nil {
				test.Fatalf("step %d: topup: %v", step, err)
			}
			if result.Outcome != OutcomeApplied {
				test.Fatalf("step %d: topup outcome %s (%s)", step, result.Outcome, result.Reason)
			}
		case 3:
			if len(debits) == 0 {
				continue
			}
			// Refunding an already-refunded debit on purpose: the second
			// call must be a no-op on the balance.
			if _, err := service.Refund(context.Background(), debits[random.Intn(len(debits))], "interleaved refund"); err != nil {
				test.Fatalf("step %d: refund: %v", step, err)
			}
		case 4:
			result, err := service.ApplyNotification(context.Background(), Notification{
				ExternalRef: mustExternalRef(test, GenerateTransactionID().String()),
				AccountID:   accountID,
				Amount:      -Credits(1 + random.Int63n(30)),
				Kind:        NotificationRefund,
			})
			if err != nil {
				test.Fatalf("step %d: clawback: %v", step, err)
			}
			if result.Outcome != OutcomeApplied {
				test.Fatalf("step %d: clawback outcome %s (%s)", step, result.Outcome, result.Reason)
			}
		case 5:
			// Jump past the next anchor so the sweep applies a real reset.
			account, err := store.GetAccount(context.Background(), accountID)
			if err != nil {
				test.Fatalf("step %d: account lookup: %v", step, err)
			}
			now = account.AnchorUnixUTC + 1
			totals, err := service.ResetDueAccounts(context.Background(), now)
			if err != nil {
				test.Fatalf("step %d: reset sweep: %v", step, err)
			}
			if totals.Failed != 0 {
				test.Fatalf("step %d: %d reset failures", step, totals.Failed)
			}
		}
		checkInvariant(step)
	}

	if err := service.VerifyAccount(context.Background(), accountID); err != nil {
		test.Fatalf("final audit: %v", err)
	}
}
