package credit

import (
	"errors"
	"testing"
)

func TestNewAccountIDValidation(test *testing.T) {
	test.Parallel()
	accountID, err := NewAccountID("  acct-42  ")
	if err != nil {
		test.Fatalf("valid id rejected: %v", err)
	}
	if accountID.String() != "acct-42" {
		test.Fatalf("expected trimmed id, got %q", accountID.String())
	}
	if accountID.IsZero() {
		test.Fatal("populated id must not be zero")
	}

	if _, err := NewAccountID("   "); !errors.Is(err, ErrInvalidAccountID) {
		test.Fatalf("expected ErrInvalidAccountID, got %v", err)
	}
	if !(AccountID{}).IsZero() {
		test.Fatal("zero value must report IsZero")
	}
}

func TestGenerateTransactionIDIsUnique(test *testing.T) {
	test.Parallel()
	first := GenerateTransactionID()
	second := GenerateTransactionID()
	if first.IsZero() || second.IsZero() {
		test.Fatal("generated ids must be populated")
	}
	if first == second {
		test.Fatalf("generated ids must differ, got %s twice", first)
	}
}

func TestNewPositiveCreditsValidation(test *testing.T) {
	test.Parallel()
	amount, err := NewPositiveCredits(40)
	if err != nil {
		test.Fatalf("valid amount rejected: %v", err)
	}
	if amount.ToCredits() != 40 {
		test.Fatalf("expected 40, got %d", amount.ToCredits())
	}
	if amount.Negated() != -40 {
		test.Fatalf("expected -40, got %d", amount.Negated())
	}

	for _, raw := range []int64{0, -1, -40} {
		if _, err := NewPositiveCredits(raw); !errors.Is(err, ErrInvalidCredits) {
			test.Fatalf("expected ErrInvalidCredits for %d, got %v", raw, err)
		}
	}
}

func TestNewMetadataJSONValidation(test *testing.T) {
	test.Parallel()
	metadata, err := NewMetadataJSON("")
	if err != nil {
		test.Fatalf("empty metadata must default: %v", err)
	}
	if metadata.String() != "{}" {
		test.Fatalf("expected {} default, got %q", metadata.String())
	}
	if (MetadataJSON{}).String() != "{}" {
		test.Fatal("zero metadata must render as {}")
	}
	if _, err := NewMetadataJSON(`{"key":`); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestParseOperationType(test *testing.T) {
	test.Parallel()
	for _, known := range KnownOperationTypes() {
		parsed, err := ParseOperationType(known.String())
		if err != nil {
			test.Fatalf("known operation %s rejected: %v", known, err)
		}
		if parsed != known {
			test.Fatalf("expected %s, got %s", known, parsed)
		}
	}
	for _, raw := range []string{"", "minting", "IMAGE_GENERATION"} {
		if _, err := ParseOperationType(raw); !errors.Is(err, ErrInvalidOperationType) {
			test.Fatalf("expected ErrInvalidOperationType for %q, got %v", raw, err)
		}
	}
}

func TestParseTransactionKind(test *testing.T) {
	test.Parallel()
	for _, known := range []TransactionKind{KindSpent, KindPurchased, KindAllocated, KindRefunded, KindReset} {
		parsed, err := ParseTransactionKind(known.String())
		if err != nil {
			test.Fatalf("known kind %s rejected: %v", known, err)
		}
		if parsed != known {
			test.Fatalf("expected %s, got %s", known, parsed)
		}
	}
	if _, err := ParseTransactionKind("hold"); !errors.Is(err, ErrInvalidTransactionKind) {
		test.Fatalf("expected ErrInvalidTransactionKind, got %v", err)
	}
}

func TestParseNotificationKind(test *testing.T) {
	test.Parallel()
	for _, known := range []NotificationKind{NotificationRenewal, NotificationTopUp, NotificationRefund} {
		parsed, err := ParseNotificationKind(string(known))
		if err != nil {
			test.Fatalf("known kind %s rejected: %v", known, err)
		}
		if parsed != known {
			test.Fatalf("expected %s, got %s", known, parsed)
		}
	}
	if _, err := ParseNotificationKind("chargeback"); !errors.Is(err, ErrInvalidNotification) {
		test.Fatalf("expected ErrInvalidNotification, got %v", err)
	}
}
