package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{MEDIA_VALIDATION, http.StatusBadRequest},
		{MEDIA_NOT_CANCELABLE, http.StatusBadRequest},
		{MEDIA_ACCESS_DENIED, http.StatusForbidden},
		{MEDIA_JWT_EXPIRED, http.StatusUnauthorized},
		{MEDIA_NOT_FOUND, http.StatusNotFound},
		{MEDIA_TOO_LARGE, http.StatusRequestEntityTooLarge},
		{MEDIA_UPLOAD, http.StatusBadGateway},
		{MEDIA_CONFIG, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := New(tt.code, "x", "").HTTPStatus; got != tt.want {
			t.Errorf("New(%s).HTTPStatus = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("outer: %w", Wrap(MEDIA_UPLOAD, "failed to upload to remote storage: boom", cause))

	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}
	if !HasCode(err, MEDIA_UPLOAD) {
		t.Errorf("HasCode(err, MEDIA_UPLOAD) = false, want true")
	}
	e, ok := As(err)
	if !ok || e.HTTPStatus != http.StatusBadGateway {
		t.Errorf("As(err) = %v, %v", e, ok)
	}
}
