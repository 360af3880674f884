package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	apperrors "rentsync/pkg/errors"
	httputil "rentsync/pkg/http"
	"rentsync/pkg/logger"
)

func Recovery(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("Panic recovered",
						"request_id", RequestIDFromContext(r.Context()),
						"error", rec,
						"method", r.Method,
						"path", r.URL.Path,
						"stack", string(debug.Stack()),
					)

					if err := httputil.WriteError(w, apperrors.Internal("Internal server error", fmt.Errorf("panic: %v", rec))); err != nil {
						log.Error("failed to write error response", "middleware", "Recovery", "error", err)
					}
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
