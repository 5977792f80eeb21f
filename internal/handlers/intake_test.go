package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"orderdesk/internal/cache"
	"orderdesk/internal/config"
	"orderdesk/internal/intake"
	"orderdesk/internal/llm"
	"orderdesk/internal/token"
)

func pdfBytes(n int) []byte {
	b := make([]byte, n)
	copy(b, "%PDF-1.7\n%\xe2\xe3\xcf\xd3\n")
	return b
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type mockVision struct {
	classifyCalls atomic.Int32
	extractCalls  atomic.Int32
	drawingCalls  atomic.Int32
	err           error
}

func (m *mockVision) Classify(context.Context, llm.Document) (*llm.Classification, error) {
	m.classifyCalls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return &llm.Classification{IsQuotation: true, DocumentType: "Order Form", Reason: "has order number"}, nil
}

func (m *mockVision) ExtractOrder(context.Context, llm.Document) (*llm.Order, error) {
	m.extractCalls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return &llm.Order{
		OrderNo:     "PO-77",
		TotalAmount: "12000",
		Items:       []llm.LineItem{{ProductName: "Bracket", Quantity: "4", UnitPrice: "3000", Amount: "12000"}},
	}, nil
}

func (m *mockVision) ExtractDrawing(context.Context, llm.Document) (*llm.Drawing, error) {
	m.drawingCalls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return &llm.Drawing{DrawingNo: "12A345-678", PartName: "Shaft", Material: "S45C", Quantity: "2", Confidence: "88"}, nil
}

func multipartFile(t *testing.T, field, name string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(field, name)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write(data)
	_ = mw.Close()
	return &body, mw.FormDataContentType()
}

type lookupCounter struct {
	cache.Store
	gets atomic.Int32
}

func (l *lookupCounter) Get(ctx context.Context, key string) (*cache.Entry, bool, error) {
	l.gets.Add(1)
	return l.Store.Get(ctx, key)
}

type harness struct {
	h      *IntakeHandler
	vision *mockVision
	store  *lookupCounter
	clock  *testClock
}

func newHarness(t *testing.T, limits cache.Limits, secret string) *harness {
	t.Helper()

	clock := &testClock{now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	if limits == (cache.Limits{}) {
		limits = cache.DefaultLimits()
	}
	store := &lookupCounter{Store: cache.NewMemoryStore(cache.MemoryOptions{Limits: limits, Now: clock.Now})}

	keys := token.NewKeyProvider(config.ModeProduction,
		func() (string, bool) { return secret, secret != "" }, zaptest.NewLogger(t))
	codec, err := token.New(token.Options{Now: clock.Now}, keys)
	if err != nil {
		t.Fatalf("token.New: %v", err)
	}

	vision := &mockVision{}
	svc := intake.New(store, codec, vision, intake.Options{Limits: limits})
	return &harness{h: NewIntakeHandler(svc), vision: vision, store: store, clock: clock}
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func classify(t *testing.T, hs *harness, data []byte) string {
	t.Helper()
	rr := postJSON(t, hs.h.CheckDocumentType, "/api/check-document-type", map[string]string{
		"fileBase64": base64.StdEncoding.EncodeToString(data),
		"mimeType":   "application/pdf",
		"fileName":   "order.pdf",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("classify: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		IsQuotation  bool   `json:"isQuotation"`
		DocumentType string `json:"documentType"`
		Reason       string `json:"reason"`
		FileID       string `json:"fileId"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.IsQuotation || resp.DocumentType != "Order Form" || resp.Reason == "" || resp.FileID == "" {
		t.Fatalf("unexpected classify response %+v", resp)
	}
	return resp.FileID
}

func errorBody(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	if body.Error == "" || body.Action == "" {
		t.Fatalf("error body must carry error and action: %+v", body)
	}
	return body
}

func TestClassifyThenExtractByFileID(t *testing.T) {
	hs := newHarness(t, cache.Limits{}, "handler-secret")

	fileID := classify(t, hs, pdfBytes(4096))

	rr := postJSON(t, hs.h.ExtractOrder, "/api/extract-order", map[string]string{"fileId": fileID})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		ExtractedData llm.Order `json:"extractedData"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ExtractedData.OrderNo != "PO-77" || len(resp.ExtractedData.Items) != 1 {
		t.Fatalf("unexpected order %+v", resp.ExtractedData)
	}
}

func TestClassifyMultipart(t *testing.T) {
	hs := newHarness(t, cache.Limits{}, "handler-secret")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "scan.pdf")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write(pdfBytes(2048))
	_ = mw.WriteField("mimeType", "application/pdf")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/check-document-type", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	hs.h.CheckDocumentType(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"fileId"`) {
		t.Fatalf("missing fileId: %s", rr.Body.String())
	}
}

func TestClassifyAcceptsDataURL(t *testing.T) {
	hs := newHarness(t, cache.Limits{}, "handler-secret")

	rr := postJSON(t, hs.h.CheckDocumentType, "/api/check-document-type", map[string]string{
		"fileBase64": "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(pdfBytes(300)),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestOversizedBase64RejectedBeforeDecode(t *testing.T) {
	limits := cache.Limits{MaxItemBytes: 1024, MaxTotalBytes: 4096, TTL: time.Minute}
	hs := newHarness(t, limits, "handler-secret")

	// Not valid base64 past the size check: it must never be decoded.
	rr := postJSON(t, hs.h.CheckDocumentType, "/api/check-document-type", map[string]string{
		"fileBase64": strings.Repeat("!", 4096),
	})
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rr.Code, rr.Body.String())
	}
	if errorBody(t, rr).Error != "File too large" {
		t.Fatalf("unexpected message: %s", rr.Body.String())
	}
	if hs.vision.classifyCalls.Load() != 0 {
		t.Fatalf("vision must not be called for an oversized file")
	}
}

func TestClassifyAcceptsLineWrappedBase64(t *testing.T) {
	limits := cache.Limits{MaxItemBytes: 1024, MaxTotalBytes: 4096, TTL: time.Minute}
	hs := newHarness(t, limits, "handler-secret")

	// MIME-style wrapping: 76 chars per line, CRLF separated.
	enc := base64.StdEncoding.EncodeToString(pdfBytes(1000))
	var lines []string
	for len(enc) > 76 {
		lines = append(lines, enc[:76])
		enc = enc[76:]
	}
	lines = append(lines, enc)

	rr := postJSON(t, hs.h.CheckDocumentType, "/api/check-document-type", map[string]string{
		"fileBase64": strings.Join(lines, "\r\n"),
		"mimeType":   "application/pdf",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for a 1000 byte file under a 1024 byte cap, got %d: %s", rr.Code, rr.Body.String())
	}

	st, _ := hs.store.Stats(context.Background())
	if st.TotalBytes != 1000 {
		t.Fatalf("expected the decoded 1000 bytes to be cached, got %d", st.TotalBytes)
	}
}

func TestExtractDrawing(t *testing.T) {
	hs := newHarness(t, cache.Limits{}, "handler-secret")

	body, contentType := multipartFile(t, "file", "drawing.pdf", pdfBytes(2048))
	req := httptest.NewRequest(http.MethodPost, "/api/extract-drawing", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	hs.h.ExtractDrawing(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		ExtractedData map[string]string `json:"extractedData"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	got := resp.ExtractedData
	if got["drawingNo"] != "12A345-678" || got["material"] != "S45C" || got["quantity"] != "2" || got["confidence"] != "88" {
		t.Fatalf("unexpected drawing %v", got)
	}
	if _, ok := got["surfaceTreatment"]; !ok {
		t.Fatalf("surfaceTreatment must always be present: %v", got)
	}

	st, _ := hs.store.Stats(context.Background())
	if st.Items != 0 {
		t.Fatalf("drawing extraction must not cache the upload")
	}
}

func TestExtractDrawingRejectsBadInput(t *testing.T) {
	limits := cache.Limits{MaxItemBytes: 1024, MaxTotalBytes: 4096, TTL: time.Minute}

	cases := []struct {
		name   string
		build  func(t *testing.T) (*bytes.Buffer, string)
		status int
	}{
		{
			name: "json body",
			build: func(t *testing.T) (*bytes.Buffer, string) {
				return bytes.NewBufferString(`{"fileBase64":"JVBERi0="}`), "application/json"
			},
			status: http.StatusBadRequest,
		},
		{
			name: "wrong field",
			build: func(t *testing.T) (*bytes.Buffer, string) {
				return multipartFile(t, "document", "drawing.pdf", pdfBytes(256))
			},
			status: http.StatusBadRequest,
		},
		{
			name: "empty file",
			build: func(t *testing.T) (*bytes.Buffer, string) {
				return multipartFile(t, "file", "drawing.pdf", nil)
			},
			status: http.StatusBadRequest,
		},
		{
			name: "too large",
			build: func(t *testing.T) (*bytes.Buffer, string) {
				return multipartFile(t, "file", "drawing.pdf", pdfBytes(2048))
			},
			status: http.StatusRequestEntityTooLarge,
		},
		{
			name: "unsupported type",
			build: func(t *testing.T) (*bytes.Buffer, string) {
				return multipartFile(t, "file", "notes.txt", []byte("just some notes"))
			},
			status: http.StatusUnsupportedMediaType,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hs := newHarness(t, limits, "handler-secret")
			body, contentType := tc.build(t)
			req := httptest.NewRequest(http.MethodPost, "/api/extract-drawing", body)
			req.Header.Set("Content-Type", contentType)
			rr := httptest.NewRecorder()
			hs.h.ExtractDrawing(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			if hs.vision.drawingCalls.Load() != 0 {
				t.Fatalf("rejected uploads must not reach the model")
			}
		})
	}
}

func TestExtractDrawingUpstreamFailureIs502(t *testing.T) {
	hs := newHarness(t, cache.Limits{}, "handler-secret")
	hs.vision.err = &llm.UpstreamError{Op: llm.OpDrawing, Err: llm.ErrEmptyResponse}

	body, contentType := multipartFile(t, "file", "drawing.pdf", pdfBytes(512))
	req := httptest.NewRequest(http.MethodPost, "/api/extract-drawing", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	hs.h.ExtractDrawing(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestClassifyRejectsBadInput(t *testing.T) {
	hs := newHarness(t, cache.Limits{}, "handler-secret")

	cases := []struct {
		name string
		body string
		want int
	}{
		{"empty body", ``, http.StatusBadRequest},
		{"not json", `{`, http.StatusBadRequest},
		{"no file", `{"mimeType":"application/pdf"}`, http.StatusBadRequest},
		{"bad base64", `{"fileBase64":"@@@@"}`, http.StatusBadRequest},
		{"text file", `{"fileBase64":"` + base64.StdEncoding.EncodeToString([]byte("just some text")) + `"}`, http.StatusUnsupportedMediaType},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/check-document-type", strings.NewReader(tc.body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		hs.h.CheckDocumentType(rr, req)

		if rr.Code != tc.want {
			t.Errorf("%s: expected %d, got %d: %s", tc.name, tc.want, rr.Code, rr.Body.String())
			continue
		}
		errorBody(t, rr)
	}
	if hs.vision.classifyCalls.Load() != 0 {
		t.Fatalf("invalid input must not reach the model")
	}
}

func TestExtractTamperedTokenIs401(t *testing.T) {
	hs := newHarness(t, cache.Limits{}, "handler-secret")
	fileID := classify(t, hs, pdfBytes(1024))

	parts := strings.Split(fileID, ".")
	parts[0], parts[1] = parts[1], parts[0]
	tampered := strings.Join(parts, ".")

	rr := postJSON(t, hs.h.ExtractOrder, "/api/extract-order", map[string]string{"fileId": tampered})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rr.Code, rr.Body.String())
	}
	if errorBody(t, rr).Error != "fileId signature verification failed or expired" {
		t.Fatalf("unexpected message: %s", rr.Body.String())
	}
	if hs.store.gets.Load() != 0 {
		t.Fatalf("a rejected token must not cause a cache lookup")
	}
}

func TestExtractExpiredEntryIs410(t *testing.T) {
	hs := newHarness(t, cache.Limits{}, "handler-secret")
	fileID := classify(t, hs, pdfBytes(1024))

	hs.clock.Advance(6 * time.Minute)

	rr := postJSON(t, hs.h.ExtractOrder, "/api/extract-order", map[string]string{"fileId": fileID})
	if rr.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d: %s", rr.Code, rr.Body.String())
	}
	body := errorBody(t, rr)
	if body.Error != "File cache expired" || !strings.Contains(body.Action, "Upload") {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestExtractInlineFallback(t *testing.T) {
	hs := newHarness(t, cache.Limits{}, "handler-secret")

	rr := postJSON(t, hs.h.ExtractOrder, "/api/extract-order", map[string]string{
		"fileBase64": base64.StdEncoding.EncodeToString(pdfBytes(512)),
		"mimeType":   "application/pdf",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if hs.store.gets.Load() != 0 {
		t.Fatalf("inline extraction must bypass the cache")
	}
}

func TestExtractRequiresFileIDOrData(t *testing.T) {
	hs := newHarness(t, cache.Limits{}, "handler-secret")

	rr := postJSON(t, hs.h.ExtractOrder, "/api/extract-order", map[string]string{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestMissingSecretIs500(t *testing.T) {
	hs := newHarness(t, cache.Limits{}, "")

	rr := postJSON(t, hs.h.CheckDocumentType, "/api/check-document-type", map[string]string{
		"fileBase64": base64.StdEncoding.EncodeToString(pdfBytes(256)),
	})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(errorBody(t, rr).Action, "API_SECRET") {
		t.Fatalf("action should name API_SECRET: %s", rr.Body.String())
	}
	if hs.vision.classifyCalls.Load() != 0 {
		t.Fatalf("no model call without a secret")
	}
}

func TestUpstreamFailureIs502(t *testing.T) {
	hs := newHarness(t, cache.Limits{}, "handler-secret")
	hs.vision.err = &llm.UpstreamError{Op: llm.OpClassify, StatusCode: 503, Err: errors.New("overloaded")}

	rr := postJSON(t, hs.h.CheckDocumentType, "/api/check-document-type", map[string]string{
		"fileBase64": base64.StdEncoding.EncodeToString(pdfBytes(256)),
	})
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rr.Code, rr.Body.String())
	}
	if errorBody(t, rr).Error != "Classification API error" {
		t.Fatalf("unexpected message: %s", rr.Body.String())
	}

	st, _ := hs.store.Stats(context.Background())
	if st.Items != 0 {
		t.Fatalf("failed classification must not leave a cache entry")
	}
}

func TestCacheStats(t *testing.T) {
	hs := newHarness(t, cache.Limits{}, "handler-secret")
	classify(t, hs, pdfBytes(2<<20))

	req := httptest.NewRequest(http.MethodGet, "/api/cache/stats", nil)
	rr := httptest.NewRecorder()
	hs.h.CacheStats(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp statsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Items != 1 || resp.TotalBytes != 2<<20 || resp.TotalHuman != "2.0 MiB" {
		t.Fatalf("unexpected stats %+v", resp)
	}
	if resp.MaxTotalBytes != 100<<20 || resp.TTLMs != (5*time.Minute).Milliseconds() {
		t.Fatalf("unexpected limits %+v", resp)
	}
}

func TestMapErrorTable(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&cache.TooLargeError{Size: 10, Limit: 5}, http.StatusRequestEntityTooLarge},
		{&http.MaxBytesError{Limit: 5}, http.StatusRequestEntityTooLarge},
		{intake.ErrEmptyFile, http.StatusBadRequest},
		{fmt.Errorf("%w: x", intake.ErrUnsupportedType), http.StatusUnsupportedMediaType},
		{fmt.Errorf("%w: %w", intake.ErrTokenRejected, token.ErrTokenExpired), http.StatusUnauthorized},
		{intake.ErrCacheExpired, http.StatusGone},
		{&config.MissingSecretError{Key: config.SecretEnvKey}, http.StatusInternalServerError},
		{fmt.Errorf("%w: redis down", intake.ErrStorage), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{&llm.UpstreamError{Op: llm.OpExtract, Err: llm.ErrMalformedResponse}, http.StatusBadGateway},
		{&llm.UpstreamError{Op: llm.OpExtract, Err: errors.New("reset")}, http.StatusBadGateway},
		{errors.New("???"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, body := mapError(tc.err)
		if status != tc.want {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.want, status)
		}
		if body.Error == "" || body.Action == "" {
			t.Errorf("%v: missing message or action", tc.err)
		}
	}
}
