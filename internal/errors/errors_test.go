package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeProbeRequest, "test error message")

	if err.Code != ErrCodeProbeRequest {
		t.Errorf("expected code %s, got %s", ErrCodeProbeRequest, err.Code)
	}
	if err.Message != "test error message" {
		t.Errorf("expected message 'test error message', got '%s'", err.Message)
	}
	if err.Cause != nil {
		t.Errorf("expected nil cause, got %v", err.Cause)
	}
}

func TestWrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(ErrCodeSandboxProvision, "failed to provision", cause)

	if err.Cause != cause {
		t.Errorf("expected cause to be set")
	}
	if !errors.Is(err, cause) {
		t.Errorf("Wrap should support errors.Is")
	}
}

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name     string
		err      *ClarityError
		wantCode string
		wantMsg  string
	}{
		{
			name:     "simple error",
			err:      New(ErrCodeConfigInvalid, "bad threshold"),
			wantCode: "CONFIG-001",
			wantMsg:  "bad threshold",
		},
		{
			name:     "error with cause",
			err:      Wrap(ErrCodeSandboxExec, "exec failed", fmt.Errorf("deadline exceeded")),
			wantCode: "SANDBOX-002",
			wantMsg:  "deadline exceeded",
		},
		{
			name:     "transport error with status",
			err:      NewTransportError("http://localhost/v1/probes", 503, nil),
			wantCode: "STREAM-001",
			wantMsg:  "status 503",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errStr := tt.err.Error()

			if !strings.Contains(errStr, tt.wantCode) {
				t.Errorf("error string should contain code %s, got: %s", tt.wantCode, errStr)
			}
			if !strings.Contains(errStr, tt.wantMsg) {
				t.Errorf("error string should contain message '%s', got: %s", tt.wantMsg, errStr)
			}
		})
	}
}

func TestWithSuggestionsAndDocs(t *testing.T) {
	err := New(ErrCodeGateFailed, "gate failed").
		WithSuggestions("Suggestion 1", "Suggestion 2").
		WithDocs("https://example.com/docs/gate")

	if len(err.Suggestions) != 2 {
		t.Fatalf("expected 2 suggestions, got %d", len(err.Suggestions))
	}

	errStr := err.Error()
	for _, want := range []string{"Suggestions:", "Suggestion 1", "Suggestion 2", "Documentation: https://example.com/docs/gate"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error string should contain %q, got: %s", want, errStr)
		}
	}
}

func TestHasCode(t *testing.T) {
	inner := NewExecutionError("sb-1", fmt.Errorf("timeout"))
	wrapped := fmt.Errorf("step install: %w", inner)

	if !HasCode(wrapped, ErrCodeSandboxExec) {
		t.Error("HasCode should find a code through fmt.Errorf wrapping")
	}
	if HasCode(wrapped, ErrCodeSandboxProvision) {
		t.Error("HasCode should not match a different code")
	}
	if HasCode(nil, ErrCodeSandboxExec) {
		t.Error("HasCode(nil) should be false")
	}

	outer := Wrap(ErrCodeProbeInternal, "run failed", wrapped)
	if !HasCode(outer, ErrCodeSandboxExec) {
		t.Error("HasCode should look past the outermost ClarityError")
	}
}

func TestAs(t *testing.T) {
	ce, ok := As(fmt.Errorf("wrapped: %w", NewMissingCredentialError("remote", "CLARITY_SANDBOX_TOKEN")))
	if !ok {
		t.Fatal("As should find the ClarityError")
	}
	if ce.Code != ErrCodeSandboxCredential {
		t.Errorf("expected %s, got %s", ErrCodeSandboxCredential, ce.Code)
	}
	if len(ce.Suggestions) != 1 || !strings.Contains(ce.Suggestions[0], "CLARITY_SANDBOX_TOKEN") {
		t.Errorf("unexpected suggestions: %v", ce.Suggestions)
	}

	if _, ok := As(errors.New("plain")); ok {
		t.Error("As should not match a plain error")
	}
}

func TestGateFailedCarriesReasons(t *testing.T) {
	reasons := []string{"insufficient_runs:a:1", "success_rate_below_threshold:b:0.500"}
	err := NewGateFailedError(reasons)

	if !strings.Contains(err.Message, "2 reason(s)") {
		t.Errorf("unexpected message: %s", err.Message)
	}
	for _, r := range reasons {
		if !strings.Contains(err.Error(), r) {
			t.Errorf("error string should list reason %s", r)
		}
	}
}
