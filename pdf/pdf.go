// Package pdf defines the narrow contract the pipeline has with a PDF
// extraction library. Real bindings (poppler, OCR engines) live outside the
// kernel; the stub gives tests and local runs deterministic output.
package pdf

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Document is the extraction result for one PDF.
type Document struct {
	Text    string `json:"text"`
	Pages   int    `json:"pages"`
	OCRUsed bool   `json:"ocr_used"`
}

// Extractor turns raw PDF bytes into text. When ocr is true the
// implementation may fall back to OCR for scanned pages.
type Extractor interface {
	Extract(ctx context.Context, data []byte, ocr bool) (*Document, error)
}

// StubExtractor is a deterministic Extractor for tests and development. The
// output text is derived from the input hash so identical PDFs extract
// identically.
type StubExtractor struct{}

// Extract implements Extractor.
func (StubExtractor) Extract(_ context.Context, data []byte, ocr bool) (*Document, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty PDF data")
	}

	sum := sha256.Sum256(data)
	return &Document{
		Text:    fmt.Sprintf("stub extraction %s (%d bytes)", hex.EncodeToString(sum[:6]), len(data)),
		Pages:   len(data)/2048 + 1,
		OCRUsed: ocr,
	}, nil
}
