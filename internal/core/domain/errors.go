package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNotFound is wrapped by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// SessionInputError reports malformed input at a step. It is always
// recoverable: the same step is presented again and nothing is stored.
type SessionInputError struct {
	StepKey string
	Reason  string
}

func (e *SessionInputError) Error() string {
	if e.StepKey == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid input for %s: %s", e.StepKey, e.Reason)
}

// NewSessionInputError creates an input error for a step.
func NewSessionInputError(stepKey, reason string) *SessionInputError {
	return &SessionInputError{StepKey: stepKey, Reason: reason}
}

// FlowConfigurationError reports missing or inconsistent flow data.
type FlowConfigurationError struct {
	Category string
	StepID   string
	Reason   string
}

func (e *FlowConfigurationError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("flow %s step %s: %s", e.Category, e.StepID, e.Reason)
	}
	return fmt.Sprintf("flow %s: %s", e.Category, e.Reason)
}

// NewFlowConfigurationError creates a flow configuration error.
func NewFlowConfigurationError(category, reason string) *FlowConfigurationError {
	return &FlowConfigurationError{Category: category, Reason: reason}
}

// WithStep names the offending step.
func (e *FlowConfigurationError) WithStep(stepID string) *FlowConfigurationError {
	e.StepID = stepID
	return e
}

// ExhaustionReason says which quota ceiling a credential hit.
type ExhaustionReason string

const (
	ReasonLifetime ExhaustionReason = "lifetime exhausted"
	ReasonDaily    ExhaustionReason = "daily exhausted"
	ReasonMinute   ExhaustionReason = "minute exhausted"
	ReasonInactive ExhaustionReason = "inactive"
)

// CredentialExhaustedError reports that one credential cannot be used now.
type CredentialExhaustedError struct {
	CredentialID string
	Reason       ExhaustionReason
}

func (e *CredentialExhaustedError) Error() string {
	return fmt.Sprintf("credential %s: %s", e.CredentialID, e.Reason)
}

// ErrorClass categorizes a remote generation failure.
type ErrorClass string

const (
	// ClassNetwork covers transport and proxy failures; retried once.
	ClassNetwork ErrorClass = "network"
	// ClassRateLimited is a quota rejection by the remote service.
	ClassRateLimited ErrorClass = "rate-limited"
	// ClassMalformedRequest covers rejected requests and contract violations
	// in the response.
	ClassMalformedRequest ErrorClass = "malformed-request"
	// ClassServer is any other remote failure.
	ClassServer ErrorClass = "server"
)

// Retryable reports whether the same credential may be tried again.
func (c ErrorClass) Retryable() bool {
	return c == ClassNetwork
}

// RemoteServiceError is a classified failure from the remote generation
// service.
type RemoteServiceError struct {
	Class      ErrorClass
	StatusCode int
	Message    string
	Err        error
}

func (e *RemoteServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *RemoteServiceError) Unwrap() error {
	return e.Err
}

// NewRemoteServiceError creates a classified remote error.
func NewRemoteServiceError(class ErrorClass, message string) *RemoteServiceError {
	return &RemoteServiceError{Class: class, Message: message}
}

// WithStatusCode records the HTTP status that produced the error.
func (e *RemoteServiceError) WithStatusCode(code int) *RemoteServiceError {
	e.StatusCode = code
	return e
}

// WithCause wraps the underlying error.
func (e *RemoteServiceError) WithCause(err error) *RemoteServiceError {
	e.Err = err
	return e
}

// ErrNetwork creates a network-class error.
func ErrNetwork(err error) *RemoteServiceError {
	return NewRemoteServiceError(ClassNetwork, err.Error()).WithCause(err)
}

// ErrRateLimited creates a rate-limited error.
func ErrRateLimited(message string) *RemoteServiceError {
	return NewRemoteServiceError(ClassRateLimited, message)
}

// ErrMalformedRequest creates a malformed-request error.
func ErrMalformedRequest(message string) *RemoteServiceError {
	return NewRemoteServiceError(ClassMalformedRequest, message)
}

// ErrServer creates a server-class error.
func ErrServer(message string) *RemoteServiceError {
	return NewRemoteServiceError(ClassServer, message)
}

// ClassFromStatus maps an HTTP status to an error class. Proxy and gateway
// statuses count as network failures.
func ClassFromStatus(code int) ErrorClass {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassRateLimited
	case code == http.StatusProxyAuthRequired,
		code == http.StatusBadGateway,
		code == http.StatusGatewayTimeout,
		code == http.StatusRequestTimeout:
		return ClassNetwork
	case code >= 400 && code < 500:
		return ClassMalformedRequest
	default:
		return ClassServer
	}
}

// ClassFromMessage detects a class from free-form error text. It returns
// an empty class when nothing matches.
func ClassFromMessage(message string) ErrorClass {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "rate limit"):
		return ClassRateLimited
	case strings.Contains(msg, "invalid_argument") ||
		strings.Contains(msg, "failed_precondition"):
		return ClassMalformedRequest
	case strings.Contains(msg, "proxy") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout"):
		return ClassNetwork
	}
	return ""
}

// PoolExhaustedError is the single user-visible dispatch failure: every
// candidate credential was unavailable or failed. No billing occurred.
type PoolExhaustedError struct {
	Candidates int
	Attempted  int
	LastErr    error
}

func (e *PoolExhaustedError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("credential pool exhausted (%d candidates, %d attempted): %v", e.Candidates, e.Attempted, e.LastErr)
	}
	return fmt.Sprintf("credential pool exhausted (%d candidates, %d attempted)", e.Candidates, e.Attempted)
}

func (e *PoolExhaustedError) Unwrap() error {
	return e.LastErr
}

// BalanceInsufficientError blocks a dispatch before any credential is used.
type BalanceInsufficientError struct {
	UserID   string
	Balance  Amount
	Required Amount
}

func (e *BalanceInsufficientError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: have %s, need %s", e.UserID, e.Balance, e.Required)
}

// IsSessionInput reports whether err is a SessionInputError.
func IsSessionInput(err error) bool {
	var target *SessionInputError
	return errors.As(err, &target)
}

// IsFlowConfiguration reports whether err is a FlowConfigurationError.
func IsFlowConfiguration(err error) bool {
	var target *FlowConfigurationError
	return errors.As(err, &target)
}

// IsPoolExhausted reports whether err is a PoolExhaustedError.
func IsPoolExhausted(err error) bool {
	var target *PoolExhaustedError
	return errors.As(err, &target)
}

// IsBalanceInsufficient reports whether err is a BalanceInsufficientError.
func IsBalanceInsufficient(err error) bool {
	var target *BalanceInsufficientError
	return errors.As(err, &target)
}

// AsRemote extracts a RemoteServiceError.
func AsRemote(err error) (*RemoteServiceError, bool) {
	var target *RemoteServiceError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
