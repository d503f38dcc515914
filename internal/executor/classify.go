package executor

import (
	"context"
	"errors"
	"net"

	"github.com/rahul/clarity/internal/plan"
	"github.com/rahul/clarity/internal/worker"
)

// DefaultUnknownCeiling caps attempts for failures with no structural signal.
const DefaultUnknownCeiling = 2

// Reason codes the executor assigns itself.
const (
	CodeCanceled = "canceled"
	CodePanic    = "panic"
	CodeUnknown  = "unknown"
	CodeNetwork  = "network"
)

// Classify maps an error to a failure kind using only its structure:
// worker reason codes, context errors and network timeouts.
func Classify(err error) plan.PhaseError {
	return ClassifyWith(err, DefaultUnknownCeiling)
}

// ClassifyWith is Classify with a configurable ceiling for unknown errors.
func ClassifyWith(err error, unknownCeiling int) plan.PhaseError {
	if err == nil {
		return plan.PhaseError{Kind: plan.FailureTransient, Code: CodeUnknown, Message: "unspecified failure", Ceiling: unknownCeiling}
	}
	msg := err.Error()

	if we, ok := worker.AsError(err); ok {
		pe := plan.PhaseError{Code: string(we.Code), Message: msg}
		switch we.Code {
		case worker.CodeNotFound, worker.CodeInvalidInput, worker.CodeUnsupported:
			pe.Kind = plan.FailurePermanent
		case worker.CodeRateLimited:
			pe.Kind = plan.FailureRateLimited
			pe.RetryAfter = we.RetryAfter
		case worker.CodeNoData:
			pe.Kind = plan.FailureDataUnavailable
		case worker.CodeUnavailable, worker.CodeTimeout:
			pe.Kind = plan.FailureTransient
		default:
			pe.Kind = plan.FailureTransient
			pe.Ceiling = unknownCeiling
		}
		return pe
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return plan.PhaseError{Kind: plan.FailureTransient, Code: string(worker.CodeTimeout), Message: msg}
	case errors.Is(err, context.Canceled):
		return plan.PhaseError{Kind: plan.FailureTransient, Code: CodeCanceled, Message: msg}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return plan.PhaseError{Kind: plan.FailureTransient, Code: string(worker.CodeTimeout), Message: msg}
		}
		return plan.PhaseError{Kind: plan.FailureTransient, Code: CodeNetwork, Message: msg}
	}

	return plan.PhaseError{Kind: plan.FailureTransient, Code: CodeUnknown, Message: msg, Ceiling: unknownCeiling}
}
