package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeOfUnwrapsChains(t *testing.T) {
	base := Storage("write record", errors.New("disk full"))
	wrapped := fmt.Errorf("pool store: %w", base)

	if got := CodeOf(wrapped); got != CodeStorage {
		t.Fatalf("CodeOf = %q, want %q", got, CodeStorage)
	}
	if !Is(wrapped, CodeStorage) {
		t.Fatalf("Is(wrapped, CodeStorage) = false")
	}
	if Is(wrapped, CodeNotFound) {
		t.Fatalf("Is(wrapped, CodeNotFound) = true")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("CodeOf(plain) should be empty")
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Decryption("open payload", errors.New("cipher: message authentication failed"))
	want := "open payload: cipher: message authentication failed"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
	if New(CodeNotFound, "missing").Error() != "missing" {
		t.Fatalf("Error() without cause should be the bare message")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("bad id"), http.StatusBadRequest},
		{NotFound("no such record"), http.StatusNotFound},
		{Storage("io", errors.New("x")), http.StatusInternalServerError},
		{Authentication("verify failed"), http.StatusUnauthorized},
		{errors.New("untyped"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
