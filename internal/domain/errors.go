package domain

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the decision path. Protocol violations are not
// errors; they travel as Violation values inside a RiskAssessment.
var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrMathematicalOverflow   = errors.New("mathematical overflow")
	ErrZeroRiskDistance       = errors.New("zero risk distance: entry equals stop")
	ErrExceedsAccountBalance  = errors.New("position notional exceeds account balance")
	ErrStaleMarketData        = errors.New("stale market data")
	ErrTimeout                = errors.New("timeout")
	ErrAssessmentFailed       = errors.New("assessment failed")
	ErrExecutionFailed        = errors.New("execution failed")
	ErrPreflightFailed        = errors.New("pre-flight check failed")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrCircuitBreakerEngaged  = errors.New("circuit breaker engaged")
	ErrCancelled              = errors.New("cancelled")
	ErrNoPortfolioSnapshot    = errors.New("no portfolio snapshot")
	ErrUnknownReservation     = errors.New("unknown reservation")
)

// InvalidInputError reports a value rejected by a constructor.
type InvalidInputError struct {
	Field string
	Bound string
	Value string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s=%s violates %s", e.Field, e.Value, e.Bound)
}

func (e *InvalidInputError) Is(target error) bool {
	return target == ErrInvalidInput
}

func invalidInput(field, bound string, value any) error {
	return &InvalidInputError{Field: field, Bound: bound, Value: fmt.Sprint(value)}
}

// TimeoutError is returned when a phase exceeds its hard ceiling.
type TimeoutError struct {
	Phase Phase
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Timeout(%s)", e.Phase.Step())
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// PhaseError ties a failure to the loop phase that produced it.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// FailureReason maps an error onto the short reason recorded in loop state.
func FailureReason(err error) string {
	var te *TimeoutError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te):
		return te.Error()
	case errors.Is(err, ErrCancelled):
		return "Cancelled"
	case errors.Is(err, ErrStaleMarketData):
		return "StaleMarketData"
	case errors.Is(err, ErrZeroRiskDistance):
		return "ZeroRiskDistance"
	case errors.Is(err, ErrExceedsAccountBalance):
		return "ExceedsAccountBalance"
	case errors.Is(err, ErrMathematicalOverflow):
		return "MathematicalOverflow"
	case errors.Is(err, ErrInvalidInput):
		return "InvalidInput"
	case errors.Is(err, ErrAssessmentFailed):
		return "AssessmentFailed"
	case errors.Is(err, ErrPreflightFailed):
		return "PreflightFailed"
	case errors.Is(err, ErrExecutionFailed):
		return "ExecutionFailed"
	case errors.Is(err, ErrCircuitBreakerEngaged):
		return "CircuitBreakerEngaged"
	case errors.Is(err, ErrInvalidStateTransition):
		return "InvalidStateTransition"
	default:
		return "Error"
	}
}
