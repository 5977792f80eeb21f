package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"orderdesk/internal/config"
	"orderdesk/internal/intake"
	"orderdesk/internal/llm"
	"orderdesk/pkg/logging/logging"
)

// errBadRequest marks malformed request bodies.
var errBadRequest = errors.New("handlers: bad request")

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error  string `json:"error"`
	Action string `json:"action"`
}

const actionReport = "Share the server logs with the system administrator."

// mapError picks status, message and remediation for err.
func mapError(err error) (int, ErrorResponse) {
	var (
		maxBytes *http.MaxBytesError
		upstream *llm.UpstreamError
	)

	switch {
	case errors.Is(err, intake.ErrTooLarge), errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, ErrorResponse{
			Error:  "File too large",
			Action: "Compress the file or try a different one.",
		}
	case errors.Is(err, intake.ErrEmptyFile):
		return http.StatusBadRequest, ErrorResponse{
			Error:  "File is empty",
			Action: "Select the document again and re-upload it.",
		}
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, ErrorResponse{
			Error:  "Invalid request",
			Action: "Send a file, or a fileId from a previous classification.",
		}
	case errors.Is(err, intake.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType, ErrorResponse{
			Error:  "Unsupported file type",
			Action: "Upload a PDF or an image (PNG, JPEG, WEBP, HEIC).",
		}
	case errors.Is(err, intake.ErrTokenRejected):
		return http.StatusUnauthorized, ErrorResponse{
			Error:  "fileId signature verification failed or expired",
			Action: "Upload the document again to get a new fileId.",
		}
	case errors.Is(err, intake.ErrCacheExpired):
		return http.StatusGone, ErrorResponse{
			Error:  "File cache expired",
			Action: "The uploaded file is no longer held by the server. Upload the document again.",
		}
	case errors.Is(err, config.ErrMissingSecret):
		return http.StatusInternalServerError, ErrorResponse{
			Error:  "API_SECRET is missing",
			Action: "Ask the system administrator to set the API_SECRET environment variable.",
		}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorResponse{
			Error:  "Request timed out",
			Action: "Wait a moment and retry. If it keeps failing, contact the administrator.",
		}
	case errors.Is(err, intake.ErrStorage):
		return http.StatusServiceUnavailable, ErrorResponse{
			Error:  "File cache unavailable",
			Action: "Wait a moment and retry. If it keeps failing, contact the administrator.",
		}
	case errors.Is(err, llm.ErrMalformedResponse):
		return http.StatusBadGateway, ErrorResponse{
			Error:  "Extraction result has an invalid format",
			Action: "Try a different file or check the document layout.",
		}
	case errors.As(err, &upstream) && upstream.Op == llm.OpClassify:
		return http.StatusBadGateway, ErrorResponse{
			Error:  "Classification API error",
			Action: "Wait a moment and retry. If it keeps failing, contact the administrator.",
		}
	case errors.As(err, &upstream):
		return http.StatusBadGateway, ErrorResponse{
			Error:  "API request failed",
			Action: "Check the network connection and retry.",
		}
	default:
		return http.StatusInternalServerError, ErrorResponse{
			Error:  "Unexpected error",
			Action: actionReport,
		}
	}
}

// writeError maps err and writes it. Client errors are logged at Info,
// server-side failures at Error.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := mapError(err)

	logger := logging.L(r.Context())
	fields := []zap.Field{zap.Int("status", status), zap.Error(err)}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", fields...)
	} else {
		logger.Info("request rejected", fields...)
	}

	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
