package errors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestErrorToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{NewEntityNotFound("wlan/guest"), http.StatusNotFound},
		{fmt.Errorf("%q: %w", "vpn", ErrUnknownDomain), http.StatusNotFound},
		{NewValidation("sync.base_interval", "must be positive"), http.StatusBadRequest},
		{Wrap(ErrInvalidKey, "parse"), http.StatusBadRequest},
		{Wrap(ErrTimeout, "GET /api/v2/wlan"), http.StatusGatewayTimeout},
		{fmt.Errorf("%w: %w", ErrWriteFailed, New("HTTP 500")), http.StatusBadGateway},
		{ErrFetchFailed, http.StatusBadGateway},
		{ErrStopped, http.StatusServiceUnavailable},
		{New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := ErrorToStatus(tt.err); got != tt.want {
			t.Errorf("ErrorToStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestCategories(t *testing.T) {
	fetch := fmt.Errorf("%w: %w", ErrFetchFailed, ErrConnectionFailed)
	if !IsFetchError(fetch) || !IsRetriable(fetch) {
		t.Errorf("fetch error categories wrong for %v", fetch)
	}
	if !IsFetchError(Wrap(ErrPartialSnapshot, "validate")) {
		t.Error("partial snapshot should abort a refresh")
	}
	if IsRetriable(ErrWriteFailed) {
		t.Error("write failures are not retriable")
	}
	if !IsNotFound(NewEntityNotFound("x")) || IsNotFound(ErrInternal) {
		t.Error("IsNotFound mismatch")
	}
	if !IsValidation(NewMissingField("id")) {
		t.Error("missing field should be a validation error")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil || Wrapf(nil, "ctx %d", 1) != nil {
		t.Error("wrapping nil should return nil")
	}
	err := Wrapf(ErrTimeout, "refresh %s", "c1")
	if err.Error() != "refresh c1: timeout" || !Is(err, ErrTimeout) {
		t.Errorf("Wrapf() = %v", err)
	}
}

func TestValidationErrors(t *testing.T) {
	v := NewValidationErrors()
	if v.Err() != nil {
		t.Fatal("empty collection should be nil")
	}
	v.AddField("api.listen", "cannot be empty")
	v.AddMissing("controller.address")
	v.Add(nil)

	err := v.Err()
	if err == nil || len(v.Errors) != 2 {
		t.Fatalf("Err() = %v, errors = %d", err, len(v.Errors))
	}
	if !Is(err, ErrInvalidConfig) {
		t.Error("collection should unwrap to its first error")
	}
}
