package credit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Credits is an integer credit amount. Negative values are debits.
type Credits int64

// Int64 returns the raw amount.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// PositiveCredits is a credit amount validated to be strictly positive.
type PositiveCredits struct {
	value Credits
}

// NewPositiveCredits validates an amount and ensures it is strictly positive.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return PositiveCredits{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return PositiveCredits{value: Credits(raw)}, nil
}

// ToCredits returns the signed amount.
func (amount PositiveCredits) ToCredits() Credits {
	return amount.value
}

// Negated returns the amount as a debit.
func (amount PositiveCredits) Negated() Credits {
	return -amount.value
}

// AccountID identifies a credit account.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// TransactionID identifies a ledger transaction.
type TransactionID struct {
	value string
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// GenerateTransactionID mints a fresh random transaction id.
func GenerateTransactionID() TransactionID {
	return TransactionID{value: uuid.NewString()}
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id TransactionID) IsZero() bool {
	return id.value == ""
}

// ExternalRef is the payment processor's event identifier, used to
// deduplicate notification processing. Empty means "no external origin".
type ExternalRef struct {
	value string
}

// NewExternalRef validates and normalizes an external reference.
func NewExternalRef(raw string) (ExternalRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalRef{}, fmt.Errorf("%w: empty value", ErrInvalidExternalRef)
	}
	return ExternalRef{value: trimmed}, nil
}

// String returns the normalized reference.
func (ref ExternalRef) String() string {
	return ref.value
}

// IsZero reports whether the reference is unset.
func (ref ExternalRef) IsZero() bool {
	return ref.value == ""
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates a metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// OperationType enumerates the metered operations. The set is closed:
// catalogs are validated against it at load so an unknown string fails
// fast instead of silently defaulting.
type OperationType string

const (
	OperationContentGeneration OperationType = "content_generation"
	OperationImageGeneration   OperationType = "image_generation"
	OperationVideoGeneration   OperationType = "video_generation"
	OperationAnalysis          OperationType = "analysis"
	OperationBrandAudit        OperationType = "brand_audit"
)

// KnownOperationTypes lists every metered operation in stable order.
func KnownOperationTypes() []OperationType {
	return []OperationType{
		OperationContentGeneration,
		OperationImageGeneration,
		OperationVideoGeneration,
		OperationAnalysis,
		OperationBrandAudit,
	}
}

// ParseOperationType validates a raw operation type string.
func ParseOperationType(raw string) (OperationType, error) {
	candidate := OperationType(strings.TrimSpace(raw))
	for _, known := range KnownOperationTypes() {
		if candidate == known {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOperationType, raw)
}

// String returns the wire form.
func (operationType OperationType) String() string {
	return string(operationType)
}

// TransactionKind enumerates ledger transaction kinds.
type TransactionKind string

const (
	KindSpent     TransactionKind = "spent"
	KindPurchased TransactionKind = "purchased"
	KindAllocated TransactionKind = "allocated"
	KindRefunded  TransactionKind = "refunded"
	KindReset     TransactionKind = "reset"
)

// ParseTransactionKind validates a raw transaction kind string.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	switch candidate := TransactionKind(strings.TrimSpace(raw)); candidate {
	case KindSpent, KindPurchased, KindAllocated, KindRefunded, KindReset:
		return candidate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
	}
}

// String returns the wire form.
func (kind TransactionKind) String() string {
	return string(kind)
}

// PlanID identifies a plan definition.
type PlanID struct {
	value string
}

// NewPlanID validates and normalizes a plan id.
func NewPlanID(raw string) (PlanID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PlanID{}, fmt.Errorf("%w: empty value", ErrInvalidPlanID)
	}
	return PlanID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PlanID) String() string {
	return id.value
}

// Account is the mutable balance record. The balance is mutated only
// through the store's transactional append; everything else is bookkeeping.
type Account struct {
	AccountID         AccountID
	PlanID            PlanID
	Balance           Credits
	MonthlyAllowance  Credits
	RolloverCap       RolloverCap
	AnchorUnixUTC     int64
	LifetimeUsed      Credits
	LifetimePurchased Credits
	LifetimeGranted   Credits
	CreditsExempt     bool
	Active            bool
	CreatedUnixUTC    int64
}

// Transaction is a single immutable line in the ledger.
type Transaction struct {
	TransactionID  TransactionID
	AccountID      AccountID
	Amount         Credits
	BalanceAfter   Credits
	Kind           TransactionKind
	OperationType  OperationType // set only for spent transactions
	ExternalRef    ExternalRef   // set for deduplicated writes
	Description    string
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// Authorization is the result of a pre-flight credit check.
type Authorization struct {
	Granted          bool
	TransactionID    TransactionID // zero for exempt accounts and denials
	RemainingBalance Credits
	CostCharged      Credits
	Shortfall        Credits // set when Granted is false
}

// BalanceView is the read-only projection served to dashboards.
type BalanceView struct {
	AccountID         AccountID
	Balance           Credits
	MonthlyAllowance  Credits
	LifetimeUsed      Credits
	LifetimePurchased Credits
	LifetimeGranted   Credits
	Active            bool
	AnchorUnixUTC     int64
}

// HistoryCursor marks a position in an account's transaction history.
// Timestamps carry second granularity, so the transaction id breaks ties:
// a row is "before" the cursor when its timestamp is strictly older, or
// equal with a smaller transaction id. The zero cursor means "from now".
type HistoryCursor struct {
	BeforeUnixUTC       int64
	BeforeTransactionID TransactionID
}

// IsZero reports whether the cursor marks no position.
func (cursor HistoryCursor) IsZero() bool {
	return cursor.BeforeUnixUTC <= 0
}

// Admits reports whether a transaction lies strictly before the cursor.
func (cursor HistoryCursor) Admits(transaction Transaction) bool {
	if transaction.CreatedUnixUTC < cursor.BeforeUnixUTC {
		return true
	}
	if transaction.CreatedUnixUTC > cursor.BeforeUnixUTC || cursor.BeforeTransactionID.IsZero() {
		return false
	}
	return transaction.TransactionID.String() < cursor.BeforeTransactionID.String()
}

// Store is the persistence contract used by Service. All balance mutations
// flow through WithTx; concurrent writers against one account serialize on
// GetAccountForUpdate.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	GetAccountForUpdate(ctx context.Context, accountID AccountID) (Account, error)
	UpdateAccount(ctx context.Context, account Account) error
	InsertTransaction(ctx context.Context, transaction Transaction) error
	GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error)
	FindTransactionByExternalRef(ctx context.Context, externalRef ExternalRef) (Transaction, error)
	ListTransactions(ctx context.Context, accountID AccountID, cursor HistoryCursor, limit int) ([]Transaction, error)
	SumTransactionAmounts(ctx context.Context, accountID AccountID) (Credits, error)
	ListDueAccountIDs(ctx context.Context, nowUnixUTC int64, limit int) ([]AccountID, error)
	AcquireLease(ctx context.Context, name string, holder string, ttlSeconds int64, nowUnixUTC int64) (bool, error)
	ReleaseLease(ctx context.Context, name string, holder string) error
}
