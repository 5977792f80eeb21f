package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"
	"strings"
)

// Document is a file handed to the vision model.
type Document struct {
	Data     []byte
	MIMEType string
	Name     string
}

// Classification is the outcome of the first pass.
type Classification struct {
	IsQuotation  bool   `json:"isQuotation"`
	DocumentType string `json:"documentType"`
	Reason       string `json:"reason"`
}

// Order is the structured data extracted from a quotation or order form.
// Missing values are empty strings.
type Order struct {
	OrderNo               Text       `json:"orderNo"`
	QuoteNo               Text       `json:"quoteNo"`
	Items                 []LineItem `json:"items"`
	TotalAmount           Number     `json:"totalAmount"`
	DesiredDeliveryDate   Text       `json:"desiredDeliveryDate"`
	RequestedDeliveryDate Text       `json:"requestedDeliveryDate"`
	PaymentTerms          Text       `json:"paymentTerms"`
	DeliveryLocation      Text       `json:"deliveryLocation"`
	InspectionDeadline    Text       `json:"inspectionDeadline"`
	RecipientCompany      Text       `json:"recipientCompany"`
	IssuerCompany         Text       `json:"issuerCompany"`
	IssuerAddress         Text       `json:"issuerAddress"`
	Phone                 Text       `json:"phone"`
	Fax                   Text       `json:"fax"`
	Manager               Text       `json:"manager"`
	Approver              Text       `json:"approver"`
}

type LineItem struct {
	ProductName Text   `json:"productName"`
	Quantity    Number `json:"quantity"`
	UnitPrice   Number `json:"unitPrice"`
	Amount      Number `json:"amount"`
}

// Drawing is the title block of a mechanical drawing.
type Drawing struct {
	DrawingNo        Text   `json:"drawingNo"`
	PartName         Text   `json:"partName"`
	Material         Text   `json:"material"`
	Quantity         Number `json:"quantity"`
	SurfaceTreatment Text   `json:"surfaceTreatment"`
	Notes            Text   `json:"notes"`
	Confidence       Number `json:"confidence"` // 0-100
}

// Vision is the model-facing side of the two-phase flow.
type Vision interface {
	Classify(ctx context.Context, doc Document) (*Classification, error)
	ExtractOrder(ctx context.Context, doc Document) (*Order, error)
	ExtractDrawing(ctx context.Context, doc Document) (*Drawing, error)
}

// Text accepts any JSON scalar and keeps its string form. null becomes "".
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	s, err := scalarString(b)
	if err != nil {
		return err
	}
	*t = Text(strings.TrimSpace(s))
	return nil
}

// Number accepts a JSON string or number and stores it with digit group
// separators removed, e.g. "1,234,000" or "1，234 000" -> "1234000".
type Number string

func (n *Number) UnmarshalJSON(b []byte) error {
	s, err := scalarString(b)
	if err != nil {
		return err
	}
	*n = Number(CleanNumber(s))
	return nil
}

var numberNoise = regexp.MustCompile(`[,，\s]`)

// CleanNumber strips half-width commas, full-width commas and whitespace.
func CleanNumber(s string) string {
	return strings.TrimSpace(numberNoise.ReplaceAllString(s, ""))
}

func scalarString(b []byte) (string, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return "", nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	// numbers, booleans and anything nested keep their literal form
	return string(b), nil
}
