package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"scriptgate.org/internal/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireRoleAllowsMatchingRole(t *testing.T) {
	handler := RequireRole(auth.RoleAdmin)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/internal", nil)
	req = req.WithContext(auth.ContextWithPrincipal(req.Context(), auth.Principal{AccountID: "acct-1", Roles: []string{auth.RoleAdmin}}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRequireRoleRejectsMissingRole(t *testing.T) {
	handler := RequireRole(auth.RoleAdmin)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/internal", nil)
	req = req.WithContext(auth.ContextWithPrincipal(req.Context(), auth.Principal{AccountID: "acct-1", Roles: []string{auth.RoleMember}}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestRequireRoleRejectsMissingPrincipal(t *testing.T) {
	handler := RequireRole(auth.RoleAdmin)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/internal", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]bool{
		"Bearer abc":   true,
		"bearer  abc ": true,
		"Basic abc":    false,
		"Bearer ":      false,
		"":             false,
	}
	for header, ok := range cases {
		_, err := extractBearerToken(header)
		if (err == nil) != ok {
			t.Fatalf("header %q: err=%v", header, err)
		}
	}
}
