package apperrors

import "errors"

// Standardized Broker Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrBrokerMaintenance     = errors.New("broker maintenance")
	ErrBrokerTimeout         = errors.New("broker timeout")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrRiskRejected          = errors.New("rejected by risk check")
)

// Resilience errors
var (
	ErrCircuitOpen     = errors.New("circuit breaker open")
	ErrTradingGated    = errors.New("trading gated by system mode")
	ErrBufferFull      = errors.New("write buffer full")
	ErrBufferClosed    = errors.New("write buffer closed")
	ErrDrainInProgress = errors.New("buffer drain already in progress")
	ErrQueueFull       = errors.New("event queue full")
	ErrBusClosed       = errors.New("event bus closed")
	ErrNoProbe         = errors.New("no health probe registered")
)

// Lifecycle errors
var (
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	ErrOverfill             = errors.New("fill exceeds remaining quantity")
	ErrNotFound             = errors.New("not found")
	ErrClaimLost            = errors.New("outbox claim lost")
	ErrNoHandler            = errors.New("no handler registered for event type")
)

var nonRetryable = []error{
	ErrInsufficientFunds,
	ErrOrderRejected,
	ErrRiskRejected,
	ErrInvalidSymbol,
	ErrInvalidOrderParameter,
	ErrAuthenticationFailed,
	ErrRetryBudgetExhausted,
	ErrOverfill,
}

// IsRetryable reports whether a broker call that failed with err may be attempted again.
// Rejections by the broker are final; transport and capacity problems are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range nonRetryable {
		if errors.Is(err, target) {
			return false
		}
	}
	return true
}
