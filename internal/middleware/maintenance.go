package middleware

import "net/http"

// Starter is satisfied by *maintenance.Scheduler.
type Starter interface {
	Start()
}

// EnsureMaintenance calls s.Start on every request. Start is idempotent, so
// this only restarts the sweep loop if something stopped it.
func EnsureMaintenance(s Starter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.Start()
			next.ServeHTTP(w, r)
		})
	}
}
