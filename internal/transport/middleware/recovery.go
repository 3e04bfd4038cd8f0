package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"

	apperrors "github.com/renolink/escrow/internal"
)

// RecoveryMiddleware converts a handler panic into a 500 with the standard
// error envelope, logging the stack for the operator.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						"error", rec,
						"method", r.Method,
						"url", r.URL.String(),
						"stack", string(debug.Stack()))

					appErr := apperrors.NewInternalError("internal server error", nil)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(appErr.StatusCode)
					json.NewEncoder(w).Encode(apperrors.Response{Error: appErr})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
