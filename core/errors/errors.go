package errors

import "errors"

type Category string

const (
	CategoryInvalidInput     Category = "invalid_input"
	CategoryVerification     Category = "verification_failed"
	CategoryIOFailure        Category = "io_failure"
	CategoryNetworkTransient Category = "network_transient"
	CategoryNetworkPermanent Category = "network_permanent"
	CategoryAmbiguousState   Category = "ambiguous_state"
	CategoryInternalFailure  Category = "internal_failure"
)

type classifiedError struct {
	category  Category
	code      string
	hint      string
	retryable bool
	cause     error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

// Wrap attaches a category, stable code, and operator hint to a cause.
// Content-gate outcomes are recorded into run metadata as reason strings and
// never wrapped; transport failures are wrapped for operator output even
// though the run itself still seals.
func Wrap(cause error, category Category, code, hint string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:  category,
		code:      code,
		hint:      hint,
		retryable: retryable,
		cause:     cause,
	}
}

func CategoryOf(err error) Category {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

func HintOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.hint
	}
	return ""
}

func RetryableOf(err error) bool {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.retryable
	}
	return false
}
