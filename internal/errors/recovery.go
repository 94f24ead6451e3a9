package errors

import (
	"net/http"
	"runtime/debug"

	"github.com/copyleftdev/rsopt/internal/logging"
)

// RecoveryMiddleware returns a middleware that recovers from panics.
func RecoveryMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					fields := map[string]interface{}{
						"error":  rec,
						"stack":  string(debug.Stack()),
						"method": r.Method,
						"path":   r.URL.Path,
					}
					logger.Error("Recovered from panic", fields)

					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// HTTPStatus maps an error to the status code the API answers with.
// Document problems are the caller's fault; everything else is ours.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindConfig, KindValue, KindName, KindResolution, KindUnresolved:
		return http.StatusBadRequest
	case KindUnknown:
		if err == nil {
			return http.StatusOK
		}
	}
	return http.StatusInternalServerError
}
