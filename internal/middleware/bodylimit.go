package middleware

import (
	"net/http"

	"github.com/dustin/go-humanize"

	"orderdesk/pkg/logging/logging"

	"go.uber.org/zap"
)

// MaxBodySize caps request bodies at n bytes. A declared Content-Length over
// the cap is refused up front; otherwise the body is wrapped in
// http.MaxBytesReader and the handler sees *http.MaxBytesError on overrun.
func MaxBodySize(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > n {
				logging.L(r.Context()).Info("request body over limit",
					zap.Int64("content_length", r.ContentLength),
					zap.Int64("limit", n),
				)
				writeJSONError(w, http.StatusRequestEntityTooLarge,
					"File too large",
					"Compress the file or try a different one (limit "+humanize.IBytes(uint64(n))+" per request).")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

// BodyLimitFor returns the request cap for documents of at most maxItem
// bytes: the base64 expansion plus 1MiB of envelope.
func BodyLimitFor(maxItem int64) int64 {
	return maxItem/3*4 + 4 + 1<<20
}
