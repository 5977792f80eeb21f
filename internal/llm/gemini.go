package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"orderdesk/internal/metrics"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	OpClassify = "classify"
	OpExtract  = "extract"
	OpDrawing  = "drawing"

	// fileActivePolls bounds how long an uploaded file may stay PROCESSING.
	fileActivePolls = 30
	filePollEvery   = time.Second
	fileDeleteLimit = 10 * time.Second
)

var (
	ErrEmptyResponse = errors.New("llm: model returned no content")
	// ErrMalformedResponse means the model answered with JSON that does not
	// fit the requested schema.
	ErrMalformedResponse = errors.New("llm: malformed model response")
)

// UpstreamError wraps every failure of a vision call.
type UpstreamError struct {
	Op         string
	StatusCode int // 0 when no HTTP status was received
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm: %s failed with status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm: %s failed: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type fileService interface {
	Upload(ctx context.Context, r io.Reader, config *genai.UploadFileConfig) (*genai.File, error)
	Get(ctx context.Context, name string, config *genai.GetFileConfig) (*genai.File, error)
	Delete(ctx context.Context, name string, config *genai.DeleteFileConfig) (*genai.DeleteFileResponse, error)
}

const classifyPrompt = `Analyze this document and determine whether it is a quotation (見積書) or an order form (注文書 / 発注書).
Set isQuotation to true if it is either of them.
documentType is the specific kind of document, for example Quotation, Order Form, Invoice, Receipt or Other.
reason is one short sentence explaining the classification.`

const extractPrompt = `You are a data extraction assistant. Extract the order information from this quotation or order form.
Rules:
1. Put every line item into "items".
2. Use an empty string "" for any value that is not present.
3. Write numbers without digit group separators.
4. Keep dates and names exactly as printed.`

const drawingPrompt = `You read Japanese mechanical drawings. Extract the title block information (usually at the bottom right) from this drawing.
Rules:
1. drawingNo usually looks like two digits, one letter, three digits, a hyphen and three digits.
2. quantity is a number only.
3. Use an empty string "" for any value that is not present.
4. confidence is how sure you are of the reading, from 0 to 100. Lower it sharply when the drawing number or material is unclear.`

var classifySchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"isQuotation": {
			Type:        genai.TypeBoolean,
			Description: "Whether the document is a quotation, estimate, or purchase order form",
		},
		"documentType": {
			Type:        genai.TypeString,
			Description: "The specific type of the document (e.g., Quotation, Invoice, Receipt, Other)",
		},
		"reason": {
			Type:        genai.TypeString,
			Description: "Short reason for the classification",
		},
	},
	Required:         []string{"isQuotation", "documentType", "reason"},
	PropertyOrdering: []string{"isQuotation", "documentType", "reason"},
}

func stringField(desc string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeString, Description: desc}
}

var orderSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"orderNo": stringField("注文番号 (order number)"),
		"quoteNo": stringField("見積書番号 (quotation number)"),
		"items": {
			Type:        genai.TypeArray,
			Description: "見積もりの明細行リスト (line items)",
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"productName": stringField("商品名 (product name)"),
					"quantity":    stringField("数量 (quantity)"),
					"unitPrice":   stringField("単価 (unit price)"),
					"amount":      stringField("金額 (amount)"),
				},
				Required:         []string{"productName", "quantity", "unitPrice", "amount"},
				PropertyOrdering: []string{"productName", "quantity", "unitPrice", "amount"},
			},
		},
		"totalAmount":           stringField("合計金額（税抜） (total excluding tax)"),
		"desiredDeliveryDate":   stringField("希望納期 (desired delivery date)"),
		"requestedDeliveryDate": stringField("請納期 (requested delivery date)"),
		"paymentTerms":          stringField("支払条件 (payment terms)"),
		"deliveryLocation":      stringField("受渡場所 (delivery location)"),
		"inspectionDeadline":    stringField("検査完了期日 (inspection deadline)"),
		"recipientCompany":      stringField("宛先企業名 (recipient company)"),
		"issuerCompany":         stringField("発注元企業名 (issuing company)"),
		"issuerAddress":         stringField("発注元住所 (issuer address)"),
		"phone":                 stringField("電話番号 (phone)"),
		"fax":                   stringField("FAX番号 (fax)"),
		"manager":               stringField("担当者名 (person in charge)"),
		"approver":              stringField("承認者名 (approver)"),
	},
	Required: []string{"items"},
	PropertyOrdering: []string{
		"orderNo", "quoteNo", "items", "totalAmount",
		"desiredDeliveryDate", "requestedDeliveryDate", "paymentTerms",
		"deliveryLocation", "inspectionDeadline", "recipientCompany",
		"issuerCompany", "issuerAddress", "phone", "fax", "manager", "approver",
	},
}

var drawingSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"drawingNo":        stringField("図面番号 (drawing number)"),
		"partName":         stringField("品名・部品名 (part name)"),
		"material":         stringField("材質 (material)"),
		"quantity":         stringField("数量 (quantity), numeric"),
		"surfaceTreatment": stringField("表面処理 (surface treatment)"),
		"notes":            stringField("備考 (notes)"),
		"confidence":       stringField("読み取りの自信度 0-100 (confidence)"),
	},
	Required: []string{"drawingNo", "partName", "material", "quantity", "confidence"},
	PropertyOrdering: []string{
		"drawingNo", "partName", "material", "quantity",
		"surfaceTreatment", "notes", "confidence",
	},
}

// Classify decides whether doc is a quotation or order form.
func (c *GeminiClient) Classify(ctx context.Context, doc Document) (*Classification, error) {
	text, err := c.generate(ctx, OpClassify, doc, classifyPrompt, classifySchema)
	if err != nil {
		return nil, err
	}

	var out Classification
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, &UpstreamError{Op: OpClassify, Err: fmt.Errorf("%w: %w", ErrMalformedResponse, err)}
	}
	return &out, nil
}

// ExtractOrder pulls the order fields out of doc.
func (c *GeminiClient) ExtractOrder(ctx context.Context, doc Document) (*Order, error) {
	text, err := c.generate(ctx, OpExtract, doc, extractPrompt, orderSchema)
	if err != nil {
		return nil, err
	}

	var out Order
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, &UpstreamError{Op: OpExtract, Err: fmt.Errorf("%w: %w", ErrMalformedResponse, err)}
	}
	if out.Items == nil {
		out.Items = []LineItem{}
	}
	return &out, nil
}

// ExtractDrawing reads the title block of a mechanical drawing.
func (c *GeminiClient) ExtractDrawing(ctx context.Context, doc Document) (*Drawing, error) {
	text, err := c.generate(ctx, OpDrawing, doc, drawingPrompt, drawingSchema)
	if err != nil {
		return nil, err
	}

	var out Drawing
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, &UpstreamError{Op: OpDrawing, Err: fmt.Errorf("%w: %w", ErrMalformedResponse, err)}
	}
	return &out, nil
}

func (c *GeminiClient) generate(ctx context.Context, op string, doc Document, prompt string, schema *genai.Schema) (string, error) {
	start := time.Now()
	outcome := "error"
	defer func() {
		metrics.VisionLatencySeconds.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
	}()

	part, transport, cleanup, err := c.documentPart(ctx, op, doc)
	if err != nil {
		return "", c.fail(op, err, start)
	}
	defer cleanup()

	contents := []*genai.Content{{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: prompt}, part},
	}}
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   schema,
		Temperature:      genai.Ptr[float32](0),
	}

	var text string
	err = c.withRetry(ctx, op, func(ctx context.Context) error {
		resp, err := c.models.GenerateContent(ctx, c.cfg.Model, contents, cfg)
		if err != nil {
			return err
		}
		if resp != nil {
			text = resp.Text()
		}
		return nil
	})
	if err != nil {
		return "", c.fail(op, err, start)
	}

	text = stripFence(text)
	if text == "" {
		return "", c.fail(op, ErrEmptyResponse, start)
	}

	outcome = "ok"
	c.logger.Info("vision call completed",
		zap.String("operation", op),
		zap.String("model", c.cfg.Model),
		zap.String("transport", transport),
		zap.String("mime_type", doc.MIMEType),
		zap.String("size", humanize.IBytes(uint64(len(doc.Data)))),
		zap.Duration("duration", time.Since(start)),
	)
	return text, nil
}

// documentPart returns the model part for doc. Small documents are sent
// inline; larger ones are uploaded and cleanup deletes the remote copy.
func (c *GeminiClient) documentPart(ctx context.Context, op string, doc Document) (*genai.Part, string, func(), error) {
	if int64(len(doc.Data)) <= c.cfg.InlineLimitBytes {
		part := &genai.Part{InlineData: &genai.Blob{MIMEType: doc.MIMEType, Data: doc.Data}}
		return part, "inline", func() {}, nil
	}

	var f *genai.File
	err := c.withRetry(ctx, op+"_upload", func(ctx context.Context) error {
		var err error
		f, err = c.files.Upload(ctx, bytes.NewReader(doc.Data), &genai.UploadFileConfig{
			MIMEType:    doc.MIMEType,
			DisplayName: doc.Name,
		})
		return err
	})
	if err != nil {
		return nil, "", nil, fmt.Errorf("upload document: %w", err)
	}

	// Bound to the name: waitActive returns nil on failure.
	name := f.Name
	cleanup := func() { c.deleteRemote(ctx, name) }

	active, err := c.waitActive(ctx, f)
	if err != nil {
		cleanup()
		return nil, "", nil, err
	}

	c.logger.Debug("document uploaded",
		zap.String("operation", op),
		zap.String("file", name),
		zap.String("size", humanize.IBytes(uint64(len(doc.Data)))),
	)

	part := &genai.Part{FileData: &genai.FileData{FileURI: active.URI, MIMEType: doc.MIMEType}}
	return part, "file", cleanup, nil
}

func (c *GeminiClient) waitActive(ctx context.Context, f *genai.File) (*genai.File, error) {
	for i := 0; i < fileActivePolls; i++ {
		switch f.State {
		case genai.FileStateActive, genai.FileStateUnspecified, "":
			return f, nil
		case genai.FileStateFailed:
			return nil, fmt.Errorf("uploaded file %s failed processing", f.Name)
		}

		if err := c.sleep(ctx, filePollEvery); err != nil {
			return nil, err
		}
		next, err := c.files.Get(ctx, f.Name, nil)
		if err != nil {
			return nil, fmt.Errorf("poll uploaded file: %w", err)
		}
		f = next
	}
	return nil, fmt.Errorf("uploaded file %s still processing", f.Name)
}

// deleteRemote runs on every path once an upload succeeded. Its failure is
// logged and never replaces the call's own result.
func (c *GeminiClient) deleteRemote(ctx context.Context, name string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fileDeleteLimit)
	defer cancel()

	if _, err := c.files.Delete(ctx, name, nil); err != nil {
		c.logger.Warn("failed to delete uploaded document",
			zap.String("file", name),
			zap.Error(err),
		)
		return
	}
	c.logger.Debug("deleted uploaded document", zap.String("file", name))
}

func (c *GeminiClient) fail(op string, err error, start time.Time) error {
	ue := &UpstreamError{Op: op, StatusCode: statusOf(err), Err: err}
	c.logger.Error("vision call failed",
		zap.String("operation", op),
		zap.String("model", c.cfg.Model),
		zap.Int("status", ue.StatusCode),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
	return ue
}

// stripFence removes a ```json fence some models add despite the JSON
// response type.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
