package credit

import (
	"fmt"
	"sort"
)

// CostCatalog maps operation types to their credit cost. It is immutable
// after construction; hot reload publishes a fresh catalog instead of
// mutating one in place.
type CostCatalog struct {
	costs map[OperationType]Credits
}

// CostEntry is one row of the catalog, for read-only projections.
type CostEntry struct {
	OperationType OperationType
	Cost          Credits
}

// NewCostCatalog validates a cost table against the closed operation set.
// Every known operation must be priced with a positive cost; unknown
// operation strings are rejected outright.
func NewCostCatalog(costs map[string]int64) (CostCatalog, error) {
	validated := make(map[OperationType]Credits, len(costs))
	for rawOperation, rawCost := range costs {
		operationType, err := ParseOperationType(rawOperation)
		if err != nil {
			return CostCatalog{}, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
		}
		if rawCost <= 0 {
			return CostCatalog{}, fmt.Errorf("%w: %s cost must be positive, got %d", ErrInvalidCatalog, operationType, rawCost)
		}
		validated[operationType] = Credits(rawCost)
	}
	for _, known := range KnownOperationTypes() {
		if _, priced := validated[known]; !priced {
			return CostCatalog{}, fmt.Errorf("%w: %s has no cost", ErrInvalidCatalog, known)
		}
	}
	return CostCatalog{costs: validated}, nil
}

// Cost returns the credit cost of an operation. A miss is a configuration
// bug: the catalog is validated to cover the closed set at load time.
func (catalog CostCatalog) Cost(operationType OperationType) (Credits, error) {
	cost, priced := catalog.costs[operationType]
	if !priced {
		return 0, fmt.Errorf("%w: %s", ErrUnknownOperation, operationType)
	}
	return cost, nil
}

// Entries returns the catalog rows in stable order.
func (catalog CostCatalog) Entries() []CostEntry {
	entries := make([]CostEntry, 0, len(catalog.costs))
	for operationType, cost := range catalog.costs {
		entries = append(entries, CostEntry{OperationType: operationType, Cost: cost})
	}
	sort.Slice(entries, func(left, right int) bool {
		return entries[left].OperationType < entries[right].OperationType
	})
	return entries
}
