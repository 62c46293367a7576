package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

// Error categories
const (
	// Sandbox errors (SANDBOX-001 to SANDBOX-099)
	ErrCodeSandboxProvision  ErrorCode = "SANDBOX-001"
	ErrCodeSandboxExec       ErrorCode = "SANDBOX-002"
	ErrCodeSandboxTeardown   ErrorCode = "SANDBOX-003"
	ErrCodeSandboxCredential ErrorCode = "SANDBOX-004"

	// Streaming errors (STREAM-001 to STREAM-099)
	ErrCodeStreamTransport ErrorCode = "STREAM-001"
	ErrCodeStreamDecode    ErrorCode = "STREAM-002"

	// Configuration errors (CONFIG-001 to CONFIG-099)
	ErrCodeConfigInvalid ErrorCode = "CONFIG-001"
	ErrCodeConfigRead    ErrorCode = "CONFIG-002"

	// Probe errors (PROBE-001 to PROBE-099)
	ErrCodeProbeRequest  ErrorCode = "PROBE-001"
	ErrCodeProbeInternal ErrorCode = "PROBE-002"

	// Gate errors (GATE-001 to GATE-099)
	ErrCodeGateFailed ErrorCode = "GATE-001"
)

// ClarityError represents an error with a code, suggestions, and documentation
type ClarityError struct {
	Code        ErrorCode
	Message     string
	Suggestions []string
	DocsURL     string
	Cause       error
}

// Error implements the error interface
func (e *ClarityError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\n\nSuggestions:")
		for _, suggestion := range e.Suggestions {
			fmt.Fprintf(&b, "\n  • %s", suggestion)
		}
	}

	if e.DocsURL != "" {
		fmt.Fprintf(&b, "\n\nDocumentation: %s", e.DocsURL)
	}

	return b.String()
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *ClarityError) Unwrap() error {
	return e.Cause
}

// New creates a new ClarityError
func New(code ErrorCode, message string) *ClarityError {
	return &ClarityError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new ClarityError wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *ClarityError {
	return &ClarityError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithSuggestion adds a suggestion to the error
func (e *ClarityError) WithSuggestion(suggestion string) *ClarityError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// WithSuggestions adds multiple suggestions to the error
func (e *ClarityError) WithSuggestions(suggestions ...string) *ClarityError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// WithDocs adds a documentation URL to the error
func (e *ClarityError) WithDocs(url string) *ClarityError {
	e.DocsURL = url
	return e
}

// As finds the first ClarityError in err's chain.
func As(err error) (*ClarityError, bool) {
	var ce *ClarityError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// HasCode reports whether any ClarityError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if ce, ok := err.(*ClarityError); ok && ce.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// Common error constructors for frequently used errors

// NewProvisioningError reports that a sandbox could not be created.
func NewProvisioningError(provider string, cause error) *ClarityError {
	return Wrap(ErrCodeSandboxProvision, fmt.Sprintf("failed to provision sandbox via %s", provider), cause).
		WithSuggestion("Check that the sandbox backend is reachable").
		WithSuggestion("Verify the sandbox credential and remaining quota")
}

// NewMissingCredentialError reports that a sandbox backend has no credential configured.
func NewMissingCredentialError(provider, envVar string) *ClarityError {
	e := New(ErrCodeSandboxCredential, fmt.Sprintf("no credential configured for sandbox provider: %s", provider))
	if envVar != "" {
		e.WithSuggestion(fmt.Sprintf("Set the %s environment variable", envVar))
	}
	return e
}

// NewExecutionError reports that a command could not be run at all.
func NewExecutionError(sandboxID string, cause error) *ClarityError {
	return Wrap(ErrCodeSandboxExec, fmt.Sprintf("failed to execute command in sandbox %s", sandboxID), cause)
}

// NewTeardownError reports that a sandbox could not be destroyed.
func NewTeardownError(sandboxID string, cause error) *ClarityError {
	return Wrap(ErrCodeSandboxTeardown, fmt.Sprintf("failed to destroy sandbox %s", sandboxID), cause).
		WithSuggestion("The sandbox may need to be removed manually")
}

// NewTransportError reports that a streaming channel could not be opened.
func NewTransportError(url string, status int, cause error) *ClarityError {
	msg := fmt.Sprintf("failed to open event stream: %s", url)
	if status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, status)
	}
	return Wrap(ErrCodeStreamTransport, msg, cause).
		WithSuggestion("Check that the server is running and the URL is correct")
}

// NewConfigInvalidError creates a configuration validation error
func NewConfigInvalidError(details string) *ClarityError {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", details)).
		WithSuggestion("Run 'clarity config show' to inspect the effective configuration")
}

// NewConfigReadError creates a configuration file read or parse error
func NewConfigReadError(path string, cause error) *ClarityError {
	return Wrap(ErrCodeConfigRead, fmt.Sprintf("failed to load configuration file: %s", path), cause).
		WithSuggestion("Check the file path and YAML syntax")
}

// NewInvalidRequestError creates a probe request validation error
func NewInvalidRequestError(details string) *ClarityError {
	return New(ErrCodeProbeRequest, fmt.Sprintf("invalid probe request: %s", details))
}

// NewInternalError wraps an unexpected fault raised inside a run.
func NewInternalError(cause error) *ClarityError {
	return Wrap(ErrCodeProbeInternal, "internal fault during probe run", cause)
}

// NewGateFailedError reports a failed validation gate.
func NewGateFailedError(reasons []string) *ClarityError {
	return New(ErrCodeGateFailed, fmt.Sprintf("validation gate failed with %d reason(s)", len(reasons))).
		WithSuggestions(reasons...)
}
