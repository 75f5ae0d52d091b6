package credit

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit service.
var (
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrUnknownOperation       = errors.New("unknown operation type")
	ErrAccountNotFound        = errors.New("account not found")
	ErrAccountInactive        = errors.New("account inactive")
	ErrAccountExists          = errors.New("account already exists")
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrNotRefundable          = errors.New("transaction not refundable")
	ErrDuplicateExternalRef   = errors.New("duplicate external reference")
	ErrLedgerConflict         = errors.New("ledger write conflict")
	ErrBalanceInvariant       = errors.New("balance invariant violation")
	ErrUnknownPlan            = errors.New("unknown plan")
	ErrInvalidAccountID       = errors.New("invalid account id")
	ErrInvalidTransactionID   = errors.New("invalid transaction id")
	ErrInvalidExternalRef     = errors.New("invalid external reference")
	ErrInvalidOperationType   = errors.New("invalid operation type")
	ErrInvalidTransactionKind = errors.New("invalid transaction kind")
	ErrInvalidPlanID          = errors.New("invalid plan id")
	ErrInvalidCredits         = errors.New("invalid credit amount")
	ErrInvalidMetadataJSON    = errors.New("invalid metadata json")
	ErrInvalidNotification    = errors.New("invalid notification")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
	ErrInvalidCatalog         = errors.New("invalid cost catalog")
	ErrInvalidPlan            = errors.New("invalid plan definition")
	ErrInvalidGrant           = errors.New("invalid grant")
)

// InsufficientBalanceError carries the shortfall so callers can surface a
// structured "payment required" signal. It matches ErrInsufficientBalance
// under errors.Is.
type InsufficientBalanceError struct {
	Balance   Credits
	Cost      Credits
	Shortfall Credits
}

// Error returns the formatted error message.
func (insufficient InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %d, need %d, short %d",
		insufficient.Balance, insufficient.Cost, insufficient.Shortfall)
}

// Is reports whether the target is the insufficient-balance sentinel.
func (insufficient InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
