package domain

import "errors"

var (
	// Not found: the caller is expected to revalidate and retry once.
	ErrEntitlementNotFound  = errors.New("entitlement_not_found")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")

	// Fatal: malformed input, never retried.
	ErrInvalidCustomer       = errors.New("invalid_customer")
	ErrInvalidFeatureSlug    = errors.New("invalid_feature_slug")
	ErrInvalidIdempotenceKey = errors.New("invalid_idempotence_key")
	ErrNegativeUsage         = errors.New("negative_usage_not_allowed")

	// Surfaced to callers when revalidation or the cache layer fails.
	ErrTemporarilyUnavailable = errors.New("temporarily_unavailable")
)

// RetryableError marks a transient failure eligible for the
// orchestrator's bounded retry. The actor itself never retries.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as transient. A nil err returns nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntitlementNotFound) || errors.Is(err, ErrSubscriptionNotFound)
}

func IsFatal(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidCustomer),
		errors.Is(err, ErrInvalidFeatureSlug),
		errors.Is(err, ErrInvalidIdempotenceKey),
		errors.Is(err, ErrNegativeUsage):
		return true
	}
	return false
}
