package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"carevault.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = map[string]struct{}{
	"/api/health":        {},
	"/readyz":            {},
	"/metrics":           {},
	"/api/auth/register": {},
	"/api/auth/login":    {},
	"/api/auth/refresh":  {},
}

// withAuth runs the composite authenticate check on every protected route and
// stores the user, session id and raw token in the request context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := publicPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		user, session, err := a.auth.Authenticate(r.Context(), token)
		if err != nil {
			writeAuthError(w, err)
			return
		}

		ctx := auth.ContextWithUser(r.Context(), user)
		ctx = auth.ContextWithSession(ctx, session.ID)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// currentUser pulls the authenticated user placed by withAuth; a miss is a
// programming error on a protected route and maps to 401.
func currentUser(w http.ResponseWriter, r *http.Request) (*auth.User, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	return user, true
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

func requestMeta(r *http.Request) auth.RequestMeta {
	return auth.RequestMeta{
		IPAddress: clientIP(r),
		UserAgent: r.Header.Get("User-Agent"),
	}
}
