package intake

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// supportedTypes are the document types the vision model accepts.
var supportedTypes = []string{
	"application/pdf",
	"image/png",
	"image/jpeg",
	"image/webp",
	"image/heic",
	"image/heif",
}

var aliases = map[string]string{
	"image/jpg":         "image/jpeg",
	"image/pjpeg":       "image/jpeg",
	"application/x-pdf": "application/pdf",
}

// ResolveMIME picks the MIME type for data. The sniffed type wins when it
// is supported; a supported declared type is kept only when sniffing finds
// nothing specific.
func ResolveMIME(declared string, data []byte) (string, error) {
	detected := mimetype.Detect(data)
	for _, t := range supportedTypes {
		if detected.Is(t) {
			return t, nil
		}
	}

	decl := normalize(declared)
	if detected.Is("application/octet-stream") && slices.Contains(supportedTypes, decl) {
		return decl, nil
	}

	got := detected.String()
	if decl != "" {
		got = decl + " (detected " + detected.String() + ")"
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, got)
}

func normalize(t string) string {
	t, _, _ = strings.Cut(t, ";")
	t = strings.ToLower(strings.TrimSpace(t))
	if alias, ok := aliases[t]; ok {
		return alias
	}
	return t
}
