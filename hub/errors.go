package hub

import (
	"errors"
	"fmt"

	"mini-hub/shape"
)

var (
	ErrContractViolation     = errors.New("hub: contract violation")
	ErrDuplicateSubscription = errors.New("hub: already subscribed")
	ErrNilInvoker            = errors.New("hub: invoker is nil")
	ErrNilCallback           = errors.New("hub: callback is nil")

	// ErrPayloadMismatch is returned, wrapped in a *shape.MismatchError, when
	// positional values cannot be converted to the fields they map to.
	ErrPayloadMismatch = shape.ErrPayloadMismatch
)

// ContractViolationError reports a contract type or method signature that
// cannot be turned into invocations. Method is empty when the contract type
// itself is at fault.
type ContractViolationError struct {
	Contract string
	Method   string
	Reason   string
}

func (e *ContractViolationError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("hub: contract %s: %s", e.Contract, e.Reason)
	}
	if e.Contract == "" {
		return fmt.Sprintf("hub: method %s: %s", e.Method, e.Reason)
	}
	return fmt.Sprintf("hub: contract %s, method %s: %s", e.Contract, e.Method, e.Reason)
}

func (e *ContractViolationError) Is(target error) bool {
	return target == ErrContractViolation
}
