package htmlextractor

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/lexstream/cache"
	"github.com/c360studio/lexstream/extract"
	"github.com/c360studio/lexstream/fetch"
	"github.com/c360studio/lexstream/message"
	"github.com/c360studio/lexstream/optimizer"
)

const rulePage = `<!DOCTYPE html>
<html>
<head><title>Part 1026 — Truth in Lending</title></head>
<body>
<nav>breadcrumbs</nav>
<main>
<h1>Part 1026</h1>
<p>This part implements the consumer credit disclosure requirements. Each
creditor shall provide the disclosures required by this part clearly and
conspicuously in writing, in a form the consumer may keep, before
consummation of the transaction.</p>
</main>
</body>
</html>`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExtractor(t *testing.T) *Extractor {
	t.Helper()
	c, err := cache.New(cache.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	opt := optimizer.New(c, optimizer.WithLogger(testLogger()), optimizer.WithRetryBase(time.Millisecond))
	fetcher := fetch.New(fetch.WithInsecureTargets(), fetch.WithLogger(testLogger()))
	return New(fetcher, extract.NewConverter(), opt, WithLogger(testLogger()))
}

func TestExecute(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(rulePage))
	}))
	defer srv.Close()

	e := newTestExtractor(t)
	job := &message.StepAssignment{
		WorkflowID: "wf-1",
		StepID:     "html_extraction",
		Role:       message.RoleHTMLExtractor,
		URL:        srv.URL,
	}

	out, err := e.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if !strings.Contains(out["title"].(string), "Part 1026") {
		t.Errorf("title = %v", out["title"])
	}
	md, _ := out["markdown"].(string)
	if !strings.Contains(md, "disclosure requirements") {
		t.Error("markdown lost the body text")
	}
	if strings.Contains(md, "breadcrumbs") {
		t.Error("markdown kept page chrome")
	}
	if out["word_count"].(float64) == 0 {
		t.Error("word_count missing")
	}
	if !strings.HasPrefix(out["document_id"].(string), "doc.web.") {
		t.Errorf("document_id = %v", out["document_id"])
	}

	// Second execution for the same URL is served from cache.
	if _, err := e.Execute(context.Background(), job); err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected 1 origin fetch, got %d", hits.Load())
	}
}

func TestExecute_RequiresURL(t *testing.T) {
	e := newTestExtractor(t)
	if _, err := e.Execute(context.Background(), &message.StepAssignment{StepID: "html_extraction"}); err == nil {
		t.Error("expected error without url")
	}
}

func TestExecute_EmptyPageFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><body></body></html>"))
	}))
	defer srv.Close()

	e := newTestExtractor(t)
	if _, err := e.Execute(context.Background(), &message.StepAssignment{URL: srv.URL}); err == nil {
		t.Error("expected error for a page with no content")
	}
}
