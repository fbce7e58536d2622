package llm

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable marks a provider that cannot be used for a run, typically
	// because no usable credential exists. It is distinct from an execution failure.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrUnknownProvider is returned for identifiers missing from the registry.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrMalformedOutput is returned when a provider reply has no usable structured result.
	ErrMalformedOutput = errors.New("malformed provider output")
)

// UnavailableError carries the provider and reason for an unavailable provider.
type UnavailableError struct {
	Provider string
	Reason   string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("provider %s unavailable: %s", e.Provider, e.Reason)
}

func (e *UnavailableError) Unwrap() error {
	return ErrUnavailable
}

// Unavailable builds an UnavailableError.
func Unavailable(provider, reason string) error {
	return &UnavailableError{Provider: provider, Reason: reason}
}

// IsUnavailable reports whether err marks an unavailable provider.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// CallError is a failed call that still consumed tokens, typically a reply
// that arrived but could not be parsed.
type CallError struct {
	Err        error
	TokensUsed int
}

func (e *CallError) Error() string {
	return e.Err.Error()
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// WithTokens attaches spent tokens to err. It returns err unchanged when no
// tokens were spent.
func WithTokens(err error, tokens int) error {
	if err == nil || tokens <= 0 {
		return err
	}
	return &CallError{Err: err, TokensUsed: tokens}
}

// TokensSpent reports the tokens recorded on err, or 0.
func TokensSpent(err error) int {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.TokensUsed
	}
	return 0
}
