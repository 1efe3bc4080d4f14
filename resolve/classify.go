package resolve

import (
	"context"
	"errors"

	perrors "github.com/jmgilman/go/errors"
)

// Outcome labels used in logs and metrics.
const (
	OutcomeSuccess  = "success"
	OutcomeCanceled = "canceled"
	OutcomeTimeout  = "timeout"
	OutcomeNetwork  = "network"
	OutcomeShape    = "shape"
	OutcomeStore    = "store"
	OutcomeError    = "error"
)

// Classify maps an error from the fetch path to an outcome label.
func Classify(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}

	switch perrors.GetCode(err) {
	case perrors.CodeTimeout:
		return OutcomeTimeout
	case perrors.CodeNetwork:
		return OutcomeNetwork
	case perrors.CodeSchemaFailed:
		return OutcomeShape
	case perrors.CodeDatabase, perrors.CodeSchemaVersionIncompatible:
		return OutcomeStore
	default:
		return OutcomeError
	}
}
