package circuitbreaker

import "github.com/chris-alexander-pop/gobus/pkg/errors"

// Sentinel errors for circuit breaker.
var (
	// ErrCircuitOpen is returned when the circuit is open.
	ErrCircuitOpen = errors.New(errors.CodeConflict, "circuit breaker is open", nil)

	// ErrTooManyRequests is returned when too many requests in half-open state.
	ErrTooManyRequests = errors.New(errors.CodeConflict, "too many requests in half-open state", nil)
)
