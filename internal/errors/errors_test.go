package errors

import (
	stdErrors "errors"
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

const codeTestChild Code = "TEST_CHILD"

func init() {
	Register(codeTestChild, Attributes{
		Message:  "child of invalid input",
		Severity: SeverityInfo,
		Parent:   CodeInvalidInput,
	})
}

func TestErrorFormatting(t *testing.T) {
	plain := New(CodeNotFound, "")
	if plain.Error() != "[NOT_FOUND] resource not found" {
		t.Fatalf("unexpected message %q", plain.Error())
	}

	wrapped := Wrap(CodeNetwork, fmt.Errorf("dial tcp: refused"), "balance query failed", WithAttempts(3, 3))
	want := "[NETWORK_ERROR] balance query failed (after 3/3 attempts): dial tcp: refused"
	if wrapped.Error() != want {
		t.Fatalf("expected %q, got %q", want, wrapped.Error())
	}
	if AttemptsOf(wrapped) != 3 || wrapped.Metadata()["max_attempts"] != "3" {
		t.Fatalf("attempts not recorded: %v", wrapped.Metadata())
	}
}

func TestFamilyMatching(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(codeTestChild, "bad key"))
	if !HasCode(err, codeTestChild) || !HasCode(err, CodeInvalidInput) {
		t.Fatal("child code should match itself and its parent")
	}
	if HasCode(err, CodeNotFound) {
		t.Fatal("unrelated code should not match")
	}
	if !stdErrors.Is(err, New(CodeInvalidInput, "")) {
		t.Fatal("errors.Is should walk the code family")
	}
	if CodeOf(err) != codeTestChild {
		t.Fatalf("unexpected code %s", CodeOf(err))
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatal("plain errors should report UNKNOWN")
	}
}

func TestRegistryDefaultsAndOverrides(t *testing.T) {
	if !RetryableError(New(CodeNetwork, "")) {
		t.Fatal("network errors are retryable by default")
	}
	if RetryableError(New(CodeNetwork, "", WithRetryable(false))) {
		t.Fatal("explicit override should win")
	}
	if !ShouldAlert(New(CodePaymentRejected, "")) || ShouldAlert(New(CodeInvalidInput, "")) {
		t.Fatal("unexpected alert defaults")
	}
	if SeverityOf(New(CodeInvalidInput, "", WithSeverity(SeverityCritical))) != SeverityCritical {
		t.Fatal("severity override ignored")
	}
	if AttributesOf("NEVER_REGISTERED").Message != AttributesOf(CodeUnknown).Message {
		t.Fatal("unknown codes fall back to UNKNOWN attributes")
	}
}

func TestWithAmounts(t *testing.T) {
	err := New(CodeInsufficientFunds, "short", WithAmounts(decimal.RequireFromString("1.5"), decimal.RequireFromString("0.25")))
	md := err.Metadata()
	if md["required"] != "1.5" || md["available"] != "0.25" {
		t.Fatalf("unexpected metadata %v", md)
	}
	md["required"] = "tampered"
	if err.Metadata()["required"] != "1.5" {
		t.Fatal("metadata should be returned as a copy")
	}
	if !strings.HasPrefix(err.Error(), "[INSUFFICIENT_FUNDS]") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
