package escalation

import (
	"errors"

	"github.com/modelgate/modelgate/api/pkg/types"
)

// ErrAllModelsExhausted is returned by Run when every model in a job's
// escalation order was tried (and, where configured, waited on) without
// ever reserving capacity.
var ErrAllModelsExhausted = errors.New("escalation: all models exhausted")

// delegateError is returned by an Executor via Delegate to signal "this
// model can't serve the job, but record the partial usage it did consume
// and try the next model" instead of failing the job outright (spec.md
// §4.6's reject(usage, {delegate: true})).
type delegateError struct {
	usage types.ResourceAmounts
}

func (e *delegateError) Error() string {
	return "escalation: delegated to next model"
}

// Delegate builds the error an Executor returns to escalate to the next
// model in the order while still committing the actual usage observed on
// the current one, e.g. a provider that started billing before rejecting
// the request.
func Delegate(usage types.ResourceAmounts) error {
	return &delegateError{usage: usage}
}
