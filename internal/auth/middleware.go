package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/abdulmunimjundurahman/ingestd/internal/ingest"
)

// RequireBearer wraps next with bearer-token authentication. On success the
// resolved Principal is attached to the request context via WithPrincipal.
// On failure it writes the error body itself (mirroring the shape the rest
// of the HTTP layer uses for ingest.Error) rather than delegating to a
// downstream error handler, since no Principal is available to attribute
// the failure to.
func RequireBearer(verifier Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeUnauthorized(w, "missing bearer token")
				return
			}

			principal, err := verifier.Verify(token)
			if err != nil {
				writeUnauthorized(w, "invalid token")
				return
			}

			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ingest.StatusFor(ingest.KindUnauthorized))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   ingest.KindUnauthorized.String(),
		"message": message,
	})
}
