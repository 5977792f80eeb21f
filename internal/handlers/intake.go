package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"

	"orderdesk/internal/cache"
	"orderdesk/internal/intake"
	"orderdesk/internal/llm"
	"orderdesk/pkg/logging/logging"
)

// multipartMemory is how much of a multipart body is held in memory before
// spilling to temp files.
const multipartMemory = 8 << 20

// Intake is the service behind the document endpoints.
type Intake interface {
	Classify(ctx context.Context, up intake.Upload) (*intake.ClassifyResult, error)
	Extract(ctx context.Context, fileToken string) (*llm.Order, error)
	ExtractUpload(ctx context.Context, up intake.Upload) (*llm.Order, error)
	ExtractDrawing(ctx context.Context, up intake.Upload) (*llm.Drawing, error)
	Stats(ctx context.Context) (cache.Stats, error)
	CheckSize(size int64) error
}

// IntakeHandler serves the classify and extract endpoints.
type IntakeHandler struct {
	svc Intake
}

func NewIntakeHandler(svc Intake) *IntakeHandler {
	return &IntakeHandler{svc: svc}
}

type classifyRequest struct {
	FileBase64 string `json:"fileBase64"`
	MIMEType   string `json:"mimeType"`
	FileName   string `json:"fileName"`
}

type extractRequest struct {
	FileID     string `json:"fileId"`
	FileBase64 string `json:"fileBase64"`
	MIMEType   string `json:"mimeType"`
	FileName   string `json:"fileName"`
}

type extractResponse struct {
	ExtractedData *llm.Order `json:"extractedData"`
}

type drawingResponse struct {
	ExtractedData *llm.Drawing `json:"extractedData"`
}

type statsResponse struct {
	Items         int    `json:"items"`
	TotalBytes    int64  `json:"totalBytes"`
	TotalHuman    string `json:"totalHuman"`
	MaxTotalBytes int64  `json:"maxTotalBytes"`
	TTLMs         int64  `json:"ttlMs"`
}

// CheckDocumentType handles POST /api/check-document-type.
func (h *IntakeHandler) CheckDocumentType(w http.ResponseWriter, r *http.Request) {
	up, err := h.readUpload(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.svc.Classify(r.Context(), up)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ExtractOrder handles POST /api/extract-order.
func (h *IntakeHandler) ExtractOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, decodeErr(err))
		return
	}

	var (
		order *llm.Order
		err   error
	)
	switch {
	case req.FileID != "":
		order, err = h.svc.Extract(ctx, req.FileID)
	case req.FileBase64 != "":
		logging.L(ctx).Debug("extracting from inline upload")
		var up intake.Upload
		up, err = h.decodeBase64(req.FileBase64, req.MIMEType, req.FileName)
		if err == nil {
			order, err = h.svc.ExtractUpload(ctx, up)
		}
	default:
		err = fmt.Errorf("%w: fileId or fileBase64 is required", errBadRequest)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, extractResponse{ExtractedData: order})
}

// ExtractDrawing handles POST /api/extract-drawing. The drawing arrives as
// a multipart "file" part.
func (h *IntakeHandler) ExtractDrawing(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		writeError(w, r, fmt.Errorf("%w: multipart form with a file part is required", errBadRequest))
		return
	}

	up, err := h.readMultipart(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	drawing, err := h.svc.ExtractDrawing(r.Context(), up)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, drawingResponse{ExtractedData: drawing})
}

// CacheStats handles GET /api/cache/stats.
func (h *IntakeHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Items:         st.Items,
		TotalBytes:    st.TotalBytes,
		TotalHuman:    humanize.IBytes(uint64(st.TotalBytes)),
		MaxTotalBytes: st.MaxTotalBytes,
		TTLMs:         st.TTL.Milliseconds(),
	})
}

// readUpload accepts either a multipart form with a "file" part or a JSON
// body carrying the document as base64.
func (h *IntakeHandler) readUpload(r *http.Request) (intake.Upload, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return h.readMultipart(r)
	}

	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return intake.Upload{}, decodeErr(err)
	}
	if req.FileBase64 == "" {
		return intake.Upload{}, fmt.Errorf("%w: fileBase64 is required", errBadRequest)
	}
	return h.decodeBase64(req.FileBase64, req.MIMEType, req.FileName)
}

func (h *IntakeHandler) readMultipart(r *http.Request) (intake.Upload, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return intake.Upload{}, decodeErr(err)
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		return intake.Upload{}, fmt.Errorf("%w: file part is required", errBadRequest)
	}
	defer file.Close()

	if err := h.svc.CheckSize(header.Size); err != nil {
		return intake.Upload{}, err
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return intake.Upload{}, decodeErr(err)
	}

	mimeType := r.FormValue("mimeType")
	if mimeType == "" {
		mimeType = header.Header.Get("Content-Type")
	}
	return intake.Upload{Data: data, MIMEType: mimeType, Name: header.Filename}, nil
}

// lineBreaks drops the CR/LF wrapping some encoders insert every 76 chars.
var lineBreaks = strings.NewReplacer("\r", "", "\n", "")

// decodeBase64 checks the decoded size before decoding. A data URL prefix
// is stripped and its media type used when none was declared.
func (h *IntakeHandler) decodeBase64(s, mimeType, name string) (intake.Upload, error) {
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found {
			return intake.Upload{}, fmt.Errorf("%w: malformed data URL", errBadRequest)
		}
		if mimeType == "" {
			mimeType, _, _ = strings.Cut(meta, ";")
		}
		s = payload
	}
	s = lineBreaks.Replace(strings.TrimSpace(s))

	if err := h.svc.CheckSize(cache.EstimateBase64Size(s)); err != nil {
		return intake.Upload{}, err
	}

	enc := base64.StdEncoding
	if !strings.HasSuffix(s, "=") && len(s)%4 != 0 {
		enc = base64.RawStdEncoding
	}
	data, err := enc.DecodeString(s)
	if err != nil {
		return intake.Upload{}, fmt.Errorf("%w: fileBase64 is not valid base64", errBadRequest)
	}
	return intake.Upload{Data: data, MIMEType: mimeType, Name: name}, nil
}

// decodeErr keeps body-limit overruns distinct from malformed input.
func decodeErr(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return err
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: empty body", errBadRequest)
	}
	return fmt.Errorf("%w: %v", errBadRequest, err)
}
