// Package vision defines the narrow contract with an image analysis
// backend. The kernel ships only a deterministic stub; production bindings
// (vision-capable LLM endpoints, OCR) plug in behind the same interface.
package vision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Depth levels accepted by analyzers.
const (
	DepthBasic = "basic"
	DepthFull  = "full"
)

// Analysis describes one analyzed image.
type Analysis struct {
	Description string   `json:"description"`
	Labels      []string `json:"labels,omitempty"`
}

// Analyzer extracts structure from document images (charts, seals, scanned
// tables).
type Analyzer interface {
	Analyze(ctx context.Context, data []byte, depth string) (*Analysis, error)
}

// StubAnalyzer is a deterministic Analyzer for tests and development.
type StubAnalyzer struct{}

// Analyze implements Analyzer.
func (StubAnalyzer) Analyze(_ context.Context, data []byte, depth string) (*Analysis, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image data")
	}

	sum := sha256.Sum256(data)
	a := &Analysis{
		Description: fmt.Sprintf("stub analysis %s (%d bytes)", hex.EncodeToString(sum[:6]), len(data)),
	}
	if depth == DepthFull {
		a.Labels = []string{"document", "figure"}
	}
	return a, nil
}
