package exitcode

import (
	stderrors "errors"
	"os"
	"strings"

	"github.com/christopher-igweze/clarity-check/internal/errors"
)

// Exit codes for consistent error handling across the CLI
const (
	// Success indicates successful execution
	Success = 0

	// GeneralError indicates a general error condition
	GeneralError = 1

	// UsageError indicates invalid command usage (bad flags, missing args, etc.)
	UsageError = 2

	// ConfigError indicates an unreadable or invalid configuration file
	ConfigError = 3

	// AuthError indicates a missing or rejected sandbox credential
	AuthError = 5

	// NetworkError indicates a sandbox backend or event stream could not be reached
	NetworkError = 6

	// GateFailed indicates the validation gate rejected the campaign
	GateFailed = 7

	// ProbeFailed indicates a probe run aborted or errored
	ProbeFailed = 8

	// Interrupted indicates the command was cancelled by SIGINT or SIGTERM
	Interrupted = 130
)

// Error attaches an explicit exit code to err.
type Error struct {
	Code int
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// WithCode wraps err so that DetermineExitCode returns code.
func WithCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

// Exit terminates the program with the given exit code
func Exit(code int) {
	os.Exit(code)
}

// ExitWithError exits with an appropriate code based on error type
func ExitWithError(err error) {
	if err == nil {
		Exit(Success)
		return
	}
	Exit(DetermineExitCode(err))
}

// DetermineExitCode maps coded errors directly and falls back to matching
// the message of uncoded ones (cobra usage errors, network failures).
func DetermineExitCode(err error) int {
	if err == nil {
		return Success
	}

	var explicit *Error
	if stderrors.As(err, &explicit) {
		return explicit.Code
	}

	if ce, ok := errors.As(err); ok {
		switch ce.Code {
		case errors.ErrCodeGateFailed:
			return GateFailed
		case errors.ErrCodeConfigInvalid, errors.ErrCodeConfigRead:
			return ConfigError
		case errors.ErrCodeSandboxCredential:
			return AuthError
		case errors.ErrCodeStreamTransport, errors.ErrCodeSandboxProvision:
			return NetworkError
		case errors.ErrCodeProbeRequest:
			return UsageError
		case errors.ErrCodeSandboxExec, errors.ErrCodeSandboxTeardown, errors.ErrCodeProbeInternal:
			return ProbeFailed
		}
	}

	errMsg := strings.ToLower(err.Error())

	// Usage errors
	if strings.Contains(errMsg, "invalid flag") || strings.Contains(errMsg, "unknown command") ||
		strings.Contains(errMsg, "unknown flag") || strings.Contains(errMsg, "unknown shorthand flag") {
		return UsageError
	}
	if strings.Contains(errMsg, "required flag") || strings.Contains(errMsg, "accepts ") {
		return UsageError
	}

	// Network errors
	if strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "no such host") {
		return NetworkError
	}
	if strings.Contains(errMsg, "unreachable") {
		return NetworkError
	}

	return GeneralError
}

// GetExitCodeDescription returns a human-readable description of an exit code
func GetExitCodeDescription(code int) string {
	switch code {
	case Success:
		return "Success"
	case GeneralError:
		return "General error"
	case UsageError:
		return "Usage error (invalid flags or arguments)"
	case ConfigError:
		return "Configuration error"
	case AuthError:
		return "Sandbox credential error"
	case NetworkError:
		return "Network error"
	case GateFailed:
		return "Validation gate failed"
	case ProbeFailed:
		return "Probe run failed"
	case Interrupted:
		return "Interrupted"
	default:
		return "Unknown error"
	}
}
