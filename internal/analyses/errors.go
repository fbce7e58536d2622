package analyses

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrValidation           = errors.New("validation error")
	ErrNoProvidersAvailable = errors.New("no providers available")
	ErrNothingToSynthesize  = errors.New("no successful initial responses to synthesize")
	ErrRetryInProgress      = errors.New("retry already in progress")
)

const (
	ErrorCodeLLMTimeout          = "LLM_TIMEOUT"
	ErrorCodeLLMSchemaMismatch   = "LLM_SCHEMA_MISMATCH"
	ErrorCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrorCodeUpstream            = "UPSTREAM_ERROR"
	ErrorCodeInternal            = "INTERNAL_ERROR"
)
