// Package htmlextractor implements the HTML extraction worker: fetch the
// page, isolate the main content, and hand back clean markdown.
package htmlextractor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360studio/lexstream/cache"
	"github.com/c360studio/lexstream/extract"
	"github.com/c360studio/lexstream/fetch"
	"github.com/c360studio/lexstream/fetch/weburl"
	"github.com/c360studio/lexstream/message"
	"github.com/c360studio/lexstream/optimizer"
)

// Extractor fetches and converts HTML documents.
type Extractor struct {
	fetcher   *fetch.Fetcher
	converter *extract.Converter
	opt       *optimizer.Optimizer
	logger    *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

// New creates an extractor.
func New(fetcher *fetch.Fetcher, converter *extract.Converter, opt *optimizer.Optimizer, opts ...Option) *Extractor {
	e := &Extractor{
		fetcher:   fetcher,
		converter: converter,
		opt:       opt,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Role implements worker.Executor.
func (e *Extractor) Role() string { return message.RoleHTMLExtractor }

// ResultKind implements worker.Executor.
func (e *Extractor) ResultKind() message.Kind { return message.KindContentExtracted }

// Execute implements worker.Executor.
func (e *Extractor) Execute(ctx context.Context, job *message.StepAssignment) (map[string]any, error) {
	if job.URL == "" {
		return nil, fmt.Errorf("extraction step requires a url")
	}

	key := cache.Key(cache.KindExtraction, job.URL)
	data, err := e.opt.Do(ctx, key, func(ctx context.Context) ([]byte, error) {
		return e.extract(ctx, job.URL)
	}, optimizer.WithTags("url:"+job.URL))
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode extraction: %w", err)
	}
	return out, nil
}

func (e *Extractor) extract(ctx context.Context, url string) ([]byte, error) {
	res, err := e.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}

	conv, err := e.converter.Convert(res.Body, url)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", url, err)
	}
	if conv.WordCount == 0 {
		return nil, fmt.Errorf("no extractable content at %s", url)
	}

	return json.Marshal(map[string]any{
		"document_id": weburl.DocumentID(url),
		"url":         url,
		"title":       conv.Title,
		"markdown":    conv.Markdown,
		"word_count":  conv.WordCount,
		"etag":        res.ETag,
	})
}
