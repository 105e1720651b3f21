package ocrgate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"testing"
)

func TestHTTPStatusAndCode(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   ErrorCode
	}{
		{"validation", &ValidationError{Reason: "not a pdf"}, http.StatusBadRequest, CodeValidationFailed},
		{"too large", &ValidationError{Reason: "too big", TooLarge: true}, http.StatusRequestEntityTooLarge, CodeFileTooLarge},
		{"busy", ErrBusy, http.StatusServiceUnavailable, CodeBusy},
		{"storage", &StorageError{Op: "write", Path: "/x", Err: os.ErrPermission}, http.StatusInternalServerError, CodeStorageFailed},
		{"launch", &EngineLaunchError{Binary: "ocrmypdf", Err: os.ErrNotExist}, http.StatusInternalServerError, CodeEngineLaunchFailed},
		{"exit", &EngineExitError{Code: 2, StderrTail: "bad pdf"}, http.StatusInternalServerError, CodeEngineFailed},
		{"invalid output", fmt.Errorf("%w: empty", ErrInvalidOutput), http.StatusInternalServerError, CodeInvalidOutput},
		{"deadline", &CancelledError{Cause: ErrDeadline}, http.StatusGatewayTimeout, CodeTimeout},
		{"client gone", &CancelledError{Cause: ErrClientGone}, StatusClientClosedRequest, CodeCancelled},
		{"not found", ErrTaskNotFound, http.StatusNotFound, CodeNotFound},
		{"not ready", ErrNotReady, http.StatusConflict, CodeNotReady},
		{"claimed", ErrResultClaimed, http.StatusGone, CodeGone},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := HTTPStatus(c.err); got != c.status {
				t.Errorf("HTTPStatus = %d, want %d", got, c.status)
			}
			if got := ErrorCodeOf(c.err); got != c.code {
				t.Errorf("ErrorCodeOf = %s, want %s", got, c.code)
			}
		})
	}
}

func TestCancelledErrorMatching(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrShutdown)
	err := newCancelled(ctx)
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected cancelled wrapping shutdown, got %v", err)
	}
	if errors.Is(err, ErrDeadline) {
		t.Fatalf("shutdown must not look like a deadline")
	}
}
