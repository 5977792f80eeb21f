package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"orderdesk/pkg/logging/logging"

	"go.uber.org/zap"
)

// Recoverer logs a panic with its stack and answers 500.
func Recoverer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logging.L(r.Context()).Error("panic recovered",
					zap.Any("error", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				writeJSONError(w, http.StatusInternalServerError,
					"Internal server error",
					"Share the server logs with the administrator.")
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// writeJSONError writes the same {"error","action"} body the handlers use.
func writeJSONError(w http.ResponseWriter, status int, msg, action string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "action": action})
}
