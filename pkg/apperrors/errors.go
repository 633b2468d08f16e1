package apperrors

import "errors"

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Engine-level errors (invariant and state-machine violations).
var (
	ErrInvariantViolation = errors.New("cycle invariant violation")
	ErrActiveCycleExists  = errors.New("an active cycle already exists for this asset")
	ErrCycleNotFound      = errors.New("cycle not found")
	ErrAssetNotFound      = errors.New("asset not found")
	ErrOrphanEvent        = errors.New("trade event matches no active cycle")
)

// IsTransient reports whether err is one of the externally-retryable
// kinds (network, rate-limit, broker-side overload). Permanent errors
// (auth, invalid symbol, duplicate order) are not retried.
func IsTransient(err error) bool {
	switch {
	case errors.Is(err, ErrNetwork),
		errors.Is(err, ErrRateLimitExceeded),
		errors.Is(err, ErrSystemOverload),
		errors.Is(err, ErrExchangeMaintenance):
		return true
	default:
		return false
	}
}
