package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Classified is implemented by pipeline errors that know whether a retry can help.
type Classified interface {
	error
	Permanent() bool
}

// ValidationError reports a malformed or incomplete task. Never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Reason }

// Permanent always returns true.
func (e *ValidationError) Permanent() bool { return true }

// NewValidationError builds a ValidationError from a format string.
func NewValidationError(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// CredentialError reports that no usable hosting credential is available.
type CredentialError struct {
	Reason string
}

func (e *CredentialError) Error() string { return "credential unavailable: " + e.Reason }

// Permanent always returns true.
func (e *CredentialError) Permanent() bool { return true }

// HostingServiceError wraps a failed call to the source-hosting API.
// StatusCode is zero when no response was received.
type HostingServiceError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *HostingServiceError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": hosting service error"
	}
}

func (e *HostingServiceError) Unwrap() error { return e.Err }

// Permanent reports whether the status means the request can never succeed as sent.
// Rate limits, server errors and transport failures are retryable.
func (e *HostingServiceError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusGone, http.StatusUnprocessableEntity:
		return true
	default:
		return false
	}
}

// AnalysisServiceError wraps a failed or unusable analysis call.
type AnalysisServiceError struct {
	Err        error
	Malformed  bool
	StatusCode int
}

func (e *AnalysisServiceError) Error() string {
	if e.Malformed {
		return fmt.Sprintf("analysis service returned malformed output: %v", e.Err)
	}
	return fmt.Sprintf("analysis service failed: %v", e.Err)
}

func (e *AnalysisServiceError) Unwrap() error { return e.Err }

// Permanent always returns false. Attempts are bounded by the retry policy.
func (e *AnalysisServiceError) Permanent() bool { return false }

// BrokerError reports a failure to publish or acknowledge on the queue.
type BrokerError struct {
	Op  string
	Err error
}

func (e *BrokerError) Error() string { return fmt.Sprintf("broker %s: %v", e.Op, e.Err) }

func (e *BrokerError) Unwrap() error { return e.Err }

// Permanent always returns false.
func (e *BrokerError) Permanent() bool { return false }

// IsPermanent reports whether err, or any error it wraps, is a permanent failure.
// Unclassified errors are treated as transient.
func IsPermanent(err error) bool {
	var c Classified
	if errors.As(err, &c) {
		return c.Permanent()
	}
	return false
}

// Kind returns a short label for err used in logs and metrics.
func Kind(err error) string {
	var (
		ve *ValidationError
		ce *CredentialError
		he *HostingServiceError
		ae *AnalysisServiceError
		be *BrokerError
	)
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &ce):
		return "credential"
	case errors.As(err, &he):
		return "hosting"
	case errors.As(err, &ae):
		return "analysis"
	case errors.As(err, &be):
		return "broker"
	default:
		return "unknown"
	}
}
