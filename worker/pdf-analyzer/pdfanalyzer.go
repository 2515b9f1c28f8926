// Package pdfanalyzer implements the PDF processing worker. It resolves the
// PDFs a step refers to — either an explicit url list or the PDF links on
// the step's page — downloads them, and runs text extraction through the
// pdf.Extractor contract. Downloads and extractions for a step run as one
// optimizer batch so per-document results are cached individually.
package pdfanalyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360studio/lexstream/cache"
	"github.com/c360studio/lexstream/extract"
	"github.com/c360studio/lexstream/fetch"
	"github.com/c360studio/lexstream/message"
	"github.com/c360studio/lexstream/optimizer"
	"github.com/c360studio/lexstream/pdf"
	"github.com/c360studio/lexstream/worker"
)

// Analyzer processes the PDF branch of a workflow.
type Analyzer struct {
	fetcher   *fetch.Fetcher
	extractor pdf.Extractor
	opt       *optimizer.Optimizer
	logger    *slog.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// New creates a PDF analyzer.
func New(fetcher *fetch.Fetcher, extractor pdf.Extractor, opt *optimizer.Optimizer, opts ...Option) *Analyzer {
	a := &Analyzer{
		fetcher:   fetcher,
		extractor: extractor,
		opt:       opt,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Role implements worker.Executor.
func (a *Analyzer) Role() string { return message.RolePDFAnalyzer }

// ResultKind implements worker.Executor.
func (a *Analyzer) ResultKind() message.Kind { return message.KindContentExtracted }

// Execute implements worker.Executor.
func (a *Analyzer) Execute(ctx context.Context, job *message.StepAssignment) (map[string]any, error) {
	ocr := worker.InputBool(job.Input, "ocr_enabled", true)

	urls := worker.InputStrings(job.Input, "pdf_urls")
	if len(urls) == 0 {
		found, err := a.discover(ctx, job.URL)
		if err != nil {
			return nil, err
		}
		urls = found
	}
	if len(urls) == 0 {
		return map[string]any{"documents": []any{}, "count": 0}, nil
	}

	items := make([]optimizer.BatchItem, len(urls))
	for i, u := range urls {
		items[i] = optimizer.BatchItem{
			Key: cache.Key(cache.KindPDFContent, u, ocr),
			URL: u,
		}
	}

	results, err := a.opt.DoBatch(ctx, items, func(ctx context.Context, url string) ([]byte, error) {
		return a.process(ctx, url, ocr)
	})
	if err != nil {
		return nil, fmt.Errorf("process PDFs: %w", err)
	}

	documents := make([]any, len(results))
	for i, data := range results {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode PDF result for %s: %w", urls[i], err)
		}
		documents[i] = doc
	}

	return map[string]any{
		"documents": documents,
		"count":     len(documents),
	}, nil
}

// discover fetches the step's page and collects its PDF links.
func (a *Analyzer) discover(ctx context.Context, pageURL string) ([]string, error) {
	if pageURL == "" {
		return nil, fmt.Errorf("pdf step requires pdf_urls or a page url")
	}
	res, err := a.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	return extract.ScanAssets(res.Body, pageURL).PDFLinks, nil
}

// process downloads one PDF and extracts its text.
func (a *Analyzer) process(ctx context.Context, url string, ocr bool) ([]byte, error) {
	res, err := a.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}

	doc, err := a.extractor.Extract(ctx, res.Body, ocr)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", url, err)
	}

	return json.Marshal(map[string]any{
		"url":      url,
		"text":     doc.Text,
		"pages":    doc.Pages,
		"ocr_used": doc.OCRUsed,
	})
}
