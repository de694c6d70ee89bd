package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "X402-Agent/internal/errors"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	t.Setenv("TEST_OPERATOR_KEY", "op-secret")
	t.Setenv("TEST_READER_KEY", "reader-secret")
	t.Setenv("TEST_REVOKED_KEY", "revoked-secret")
	svc, err := NewService(Config{
		Mode: ModeAPIKey,
		Keys: []KeySpec{
			{Name: "operator", KeyEnv: "TEST_OPERATOR_KEY", Permissions: []string{PermAll}},
			{Name: "reader", KeyEnv: "TEST_READER_KEY", Permissions: []string{PermToolsWrite}},
			{Name: "revoked", KeyEnv: "TEST_REVOKED_KEY", Permissions: []string{PermAll}, Disabled: true},
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestNewServiceValidation(t *testing.T) {
	if svc, err := NewService(Config{}); err != nil || svc.Mode() != ModeDisabled {
		t.Fatalf("empty config should disable auth, got %v %v", svc, err)
	}
	if _, err := NewService(Config{Mode: "oauth"}); !xerrors.HasCode(err, xerrors.CodeInvalidInput) {
		t.Fatalf("unknown mode should be rejected, got %v", err)
	}
	if _, err := NewService(Config{Mode: ModeAPIKey}); !xerrors.HasCode(err, xerrors.CodeInvalidInput) {
		t.Fatalf("api_key mode without keys should be rejected, got %v", err)
	}
	_, err := NewService(Config{Mode: ModeAPIKey, Keys: []KeySpec{{Name: "x", KeyEnv: "TEST_UNSET_KEY_ENV"}}})
	if !xerrors.HasCode(err, xerrors.CodeInvalidInput) {
		t.Fatalf("missing key env should be rejected, got %v", err)
	}
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTestService(t)

	subject, err := svc.AuthenticateRequest("Bearer op-secret")
	if err != nil || subject.Name != "operator" {
		t.Fatalf("expected operator, got %v %v", subject, err)
	}
	if subject, err := svc.AuthenticateRequest("apikey reader-secret"); err != nil || subject.Name != "reader" {
		t.Fatalf("ApiKey prefix should be accepted, got %v %v", subject, err)
	}
	if _, err := svc.AuthenticateRequest(""); err != ErrMissingToken {
		t.Fatalf("expected missing token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest("Bearer wrong"); err != ErrInvalidToken {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest("Bearer revoked-secret"); err != ErrSubjectRevoked {
		t.Fatalf("expected revoked subject, got %v", err)
	}
}

func TestSubjectAuthorize(t *testing.T) {
	reader := &Subject{Name: "reader", Permissions: []string{" Tools:Write "}}
	if err := reader.Authorize(PermToolsWrite); err != nil {
		t.Fatalf("permission should match case-insensitively: %v", err)
	}
	if err := reader.Authorize(PermPaymentsWrite); !xerrors.HasCode(err, CodeForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	admin := &Subject{Name: "admin", Permissions: []string{PermAll}}
	if err := admin.Authorize(PermPaymentsWrite, PermSwarmWrite); err != nil {
		t.Fatalf("wildcard should grant everything: %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	svc := newTestService(t)
	var seen *Subject
	handler := svc.Middleware(PermPaymentsWrite)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	cases := []struct {
		header string
		status int
	}{
		{"", http.StatusUnauthorized},
		{"Bearer wrong", http.StatusUnauthorized},
		{"Bearer revoked-secret", http.StatusForbidden},
		{"Bearer reader-secret", http.StatusForbidden},
		{"Bearer op-secret", http.StatusAccepted},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/flush", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Errorf("%q: expected %d, got %d", tc.header, tc.status, rec.Code)
		}
	}
	if seen == nil || seen.Name != "operator" {
		t.Fatalf("handler should see the authenticated subject, got %+v", seen)
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, _ := NewService(Config{Mode: ModeDisabled})
	handler := svc.Middleware(PermAll)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/tools/x", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("disabled auth should pass through, got %d", rec.Code)
	}
}
