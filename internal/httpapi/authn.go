package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"scriptgate.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/token",
	"/v1/keys/redeem",
	"/v1/enrollments",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
}

// withAuth resolves the bearer token into a principal. Public paths pass
// through untouched; every other request needs a valid API token.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if a.svc.Signer == nil {
			writeError(w, r, http.StatusServiceUnavailable, "authentication not configured")
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			challenge(w, "invalid_request")
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.svc.Signer.ParseAndValidate(token, auth.AudienceAPI)
		if err != nil {
			challenge(w, "invalid_token")
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), auth.Principal{AccountID: claims.Subject, Roles: claims.Roles})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects requests whose principal lacks role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				challenge(w, "invalid_token")
				writeError(w, r, http.StatusUnauthorized, "authentication required")
				return
			}
			if !p.HasRole(role) {
				challenge(w, "insufficient_scope")
				writeError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authorizeAccount lets admins act on any account and members on their own.
func authorizeAccount(w http.ResponseWriter, r *http.Request, accountID string) (auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		challenge(w, "invalid_token")
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return auth.Principal{}, false
	}
	if !p.IsAdmin() && p.AccountID != accountID {
		challenge(w, "insufficient_scope")
		writeError(w, r, http.StatusForbidden, "forbidden")
		return auth.Principal{}, false
	}
	return p, true
}

func challenge(w http.ResponseWriter, code string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="scriptgate", error="`+code+`"`)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
