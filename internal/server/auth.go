package server

import (
	"fmt"
	"net/http"
	"strings"

	gateway "github.com/eugener/shadowfax/internal"
)

// authenticate resolves the bearer credential into an identity stored on the
// extension bag by mutation, so no new context or request copy is needed.
// Requests without a resolvable credential proceed anonymously unless the
// surface they target requires auth, in which case they stop here and no
// downstream layer (cache included) ever sees them.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := bearerToken(r.Header.Get("Authorization")); token != "" && s.deps.Oracle != nil {
			if ac, err := s.deps.Oracle.Authenticate(r.Context(), token); err == nil {
				if ext := gateway.Ext(r.Context()); ext != nil {
					ext.Auth = ac
				}
				next.ServeHTTP(w, r)
				return
			}
		}
		if s.deps.Meta.AuthRequired(r.URL.Path) {
			writeError(w, r, fmt.Errorf("%w: missing or invalid credential", gateway.ErrUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the credential from an Authorization header value.
// Only the Bearer scheme is recognized.
func bearerToken(header string) string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
