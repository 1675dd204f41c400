package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrDeploymentNotFound is returned when no deployment matches the
// requested model name.
var ErrDeploymentNotFound = errors.New("model deployment not found")

// ErrEmbeddingUnsupported is returned by providers without an
// embedding endpoint.
var ErrEmbeddingUnsupported = errors.New("provider does not support embeddings")

// ProviderError is a mapped upstream failure. Retryable errors trigger
// router-level retry and deployment cooldown before surfacing.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (model %s, status %d)", e.Provider, e.Message, e.Model, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s (model %s)", e.Provider, e.Message, e.Model)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient: rate limits,
// overload, and server-side errors.
func (e *ProviderError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable,
		http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusInternalServerError,
		529: // anthropic overloaded
		return true
	}
	return false
}

// IsOverloaded reports whether err is a retryable provider failure.
func IsOverloaded(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable()
}
