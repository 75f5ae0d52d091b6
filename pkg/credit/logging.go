package credit

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation     string
	AccountID     AccountID
	TransactionID TransactionID
	Amount        Credits
	Kind          TransactionKind
	OperationType OperationType
	ExternalRef   ExternalRef
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithNotificationCeiling overrides the sanity ceiling applied to
// payment-processor notification amounts.
func WithNotificationCeiling(ceiling Credits) ServiceOption {
	return func(service *Service) {
		if ceiling > 0 {
			service.notificationCeiling = ceiling
		}
	}
}
