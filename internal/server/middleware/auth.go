package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nikitayk/NAPS-PERSONAL-BACKENED/internal/gateway"
)

// BanChecker reports whether an identity is currently banned.
type BanChecker func(r *http.Request, identity string) bool

type authFailure struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// NewAuthMiddleware gates every connection attempt. It extracts the bearer
// credential from the handshake, resolves it to an identity, and rejects
// banned identities before the upgrade is attempted. Failure responses
// carry a machine-readable reason code.
func NewAuthMiddleware(logger *slog.Logger, verifier gateway.TokenVerifier, isBanned BanChecker) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				// Something went wrong with previous middlewares.
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			tokenString := extractToken(r)
			if tokenString == "" {
				logger.Warn("Connection attempt without credential", slog.String("ip", reqMeta.IP))
				writeAuthFailure(w, gateway.ErrAuthRequired)
				return
			}

			identity, err := verifier.Verify(r.Context(), tokenString)
			if err != nil {
				logger.Warn("Credential verification failed",
					slog.String("ip", reqMeta.IP),
					slog.Any("error", err),
				)
				writeAuthFailure(w, err)
				return
			}

			if isBanned != nil && isBanned(r, identity) {
				logger.Warn("Rejected banned identity",
					slog.String("ip", reqMeta.IP),
					slog.String("userID", identity),
				)
				writeAuthFailure(w, gateway.ErrTemporaryBan)
				return
			}

			reqMeta.UserID = identity
			next.ServeHTTP(w, r)
		})
	}
}

// extractToken reads the credential from the Authorization header, falling
// back to the token query parameter for clients that cannot set handshake
// headers.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func writeAuthFailure(w http.ResponseWriter, err error) {
	code := gateway.CodeOf(err)
	status := http.StatusUnauthorized
	switch code {
	case gateway.ErrTemporaryBan.Code:
		status = http.StatusForbidden
	case gateway.ErrInternal.Code:
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(authFailure{Error: err.Error(), Code: code})
}
