package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// rolloverUnlimited marks an unbounded rollover cap in the accounts table.
const rolloverUnlimited int64 = -1

// Account represents the accounts table. The balance column is denormalized
// from the transaction log and only ever written together with a new
// transaction row.
type Account struct {
	AccountID         string    `gorm:"primaryKey"`
	PlanID            string    `gorm:"not null"`
	BalanceCredits    int64     `gorm:"not null"`
	MonthlyAllowance  int64     `gorm:"not null"`
	RolloverCap       int64     `gorm:"not null"`
	AnchorAt          time.Time `gorm:"not null;index:idx_accounts_active_anchor,priority:2"`
	LifetimeUsed      int64     `gorm:"not null"`
	LifetimePurchased int64     `gorm:"not null"`
	LifetimeGranted   int64     `gorm:"not null"`
	CreditsExempt     bool      `gorm:"not null"`
	Active            bool      `gorm:"not null;index:idx_accounts_active_anchor,priority:1"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// CreditTransaction mirrors the credit_transactions table: the append-only
// audit log. ExternalRef carries a unique index and doubles as the
// idempotency record for processor notifications.
type CreditTransaction struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	AccountID     string         `gorm:"not null;index:idx_transactions_account_created,priority:1"`
	AmountCredits int64          `gorm:"not null"`
	BalanceAfter  int64          `gorm:"not null"`
	Kind          string         `gorm:"not null"`
	OperationType *string        `gorm:""`
	ExternalRef   *string        `gorm:"uniqueIndex:uniq_transactions_external_ref"`
	Description   string         `gorm:"not null"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_transactions_account_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// SweepLease mirrors the sweep_leases table used to keep one allowance
// sweeper active across instances.
type SweepLease struct {
	Name      string    `gorm:"primaryKey"`
	Holder    string    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null"`
}

func (SweepLease) TableName() string { return "sweep_leases" }

// Models lists every table for schema migration.
func Models() []any {
	return []any{&Account{}, &CreditTransaction{}, &SweepLease{}}
}
