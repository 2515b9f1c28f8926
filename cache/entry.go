// Package cache implements the three-tier cache: a bytes-bounded local LRU,
// a shared key-value layer, and a file layer for large payloads. Entries
// carry TTLs, dependency tags, and an optional compression marker.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Entry is a cached value with its bookkeeping. The cache exclusively owns
// its entries; callers receive values by copy.
type Entry struct {
	Key          string    `json:"key"`
	Value        []byte    `json:"value"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	AccessCount  int64     `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
	Size         int       `json:"size"`
	Tags         []string  `json:"tags,omitempty"`
	Compressed   bool      `json:"compressed"`
}

// Expired reports whether the entry TTL has elapsed at the given time.
// A zero ExpiresAt means the entry never expires.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Kind names a cache namespace. TTL policy is keyed by kind.
type Kind string

const (
	KindLLMResponse     Kind = "llm_response"
	KindExtraction      Kind = "extraction"
	KindWebsiteAnalysis Kind = "website_analysis"
	KindPDFContent      Kind = "pdf_content"
	KindImageAnalysis   Kind = "image_analysis"
	KindValidation      Kind = "validation"
	KindWorkflowState   Kind = "workflow_state"
)

// DefaultTTLs holds the per-kind default time-to-live policy.
var DefaultTTLs = map[Kind]time.Duration{
	KindLLMResponse:     6 * time.Hour,
	KindExtraction:      3 * 24 * time.Hour,
	KindWebsiteAnalysis: 24 * time.Hour,
	KindPDFContent:      30 * 24 * time.Hour,
	KindImageAnalysis:   7 * 24 * time.Hour,
	KindValidation:      12 * time.Hour,
	KindWorkflowState:   time.Hour,
}

// TTLFor returns the default TTL for a kind, or zero when the kind has no
// policy (entries without TTL never expire).
func TTLFor(kind Kind) time.Duration {
	return DefaultTTLs[kind]
}

// Key builds a namespaced cache key: <kind>:<stable-hash-of-salient-inputs>.
// Inputs are canonicalized through JSON so logically equal requests hash to
// the same key.
func Key(kind Kind, inputs ...any) string {
	h := sha256.New()
	for _, input := range inputs {
		data, err := json.Marshal(canonicalize(input))
		if err != nil {
			// Fall back to the formatted value; hashing must not fail.
			data = []byte(fmt.Sprintf("%v", input))
		}
		h.Write(data)
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%s:%s", kind, hex.EncodeToString(h.Sum(nil))[:16])
}

// canonicalize sorts map keys so hashing is order-independent.
func canonicalize(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, canonicalize(m[k]))
	}
	return ordered
}
