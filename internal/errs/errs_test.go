package errs

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("refresh: %w", New(KindExpired, "token for %s", "acc-1"))

	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected wrapped error to match ErrExpired")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("expired error must not match ErrNotFound")
	}
	if KindOf(err) != KindExpired {
		t.Fatalf("KindOf = %q, want %q", KindOf(err), KindExpired)
	}
}

func TestProviderError(t *testing.T) {
	err := Provider("social", true, io.ErrUnexpectedEOF, "refresh failed")

	if !IsRetryable(err) {
		t.Fatal("expected retryable")
	}
	if ProviderOf(err) != "social" {
		t.Fatalf("ProviderOf = %q", ProviderOf(err))
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatal("expected cause to be reachable through Unwrap")
	}
	if !strings.HasPrefix(err.Error(), "[social:provider_error] refresh failed") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestUncategorized(t *testing.T) {
	err := errors.New("plain")
	if KindOf(err) != "" || IsRetryable(err) || ProviderOf(err) != "" {
		t.Fatal("plain errors carry no classification")
	}
}
