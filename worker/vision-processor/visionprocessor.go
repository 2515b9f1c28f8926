// Package visionprocessor implements the image analysis worker. It resolves
// the images a step refers to — an explicit url list or the images embedded
// in the step's page — and runs them through the vision.Analyzer contract
// as one optimizer batch.
package visionprocessor

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
	"github.com/c360studio/lexstream/vision"
	"github.com/c360studio/lexstream/worker"
)

// Processor handles the vision branch of a workflow.
type Processor struct {
	fetcher  *fetch.Fetcher
	analyzer vision.Analyzer
	opt      *optimizer.Optimizer
	logger   *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// New creates a vision processor.
func New(fetcher *fetch.Fetcher, analyzer vision.Analyzer, opt *optimizer.Optimizer, opts ...Option) *Processor {
	p := &Processor{
		fetcher:  fetcher,
		analyzer: analyzer,
		opt:      opt,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Role implements worker.Executor.
func (p *Processor) Role() string { return message.RoleVisionProcessor }

// ResultKind implements worker.Executor.
func (p *Processor) ResultKind() message.Kind { return message.KindContentExtracted }

// Execute implements worker.Executor.
func (p *Processor) Execute(ctx context.Context, job *message.StepAssignment) (map[string]any, error) {
	depth := worker.InputString(job.Input, "image_analysis_depth", vision.DepthBasic)

	urls := worker.InputStrings(job.Input, "image_urls")
	if len(urls) == 0 {
		found, err := p.discover(ctx, job.URL)
		if err != nil {
			return nil, err
		}
		urls = found
	}
	if len(urls) == 0 {
		return map[string]any{"images": []any{}, "count": 0}, nil
	}

	items := make([]optimizer.BatchItem, len(urls))
	for i, u := range urls {
		items[i] = optimizer.BatchItem{
			Key: cache.Key(cache.KindImageAnalysis, u, depth),
			URL: u,
		}
	}

	results, err := p.opt.DoBatch(ctx, items, func(ctx context.Context, url string) ([]byte, error) {
		return p.process(ctx, url, depth)
	})
	if err != nil {
		return nil, fmt.Errorf("process images: %w", err)
	}

	images := make([]any, len(results))
	for i, data := range results {
		var img map[string]any
		if err := json.Unmarshal(data, &img); err != nil {
			return nil, fmt.Errorf("decode image result for %s: %w", urls[i], err)
		}
		images[i] = img
	}

	return map[string]any{
		"images": images,
		"count":  len(images),
	}, nil
}

func (p *Processor) discover(ctx context.Context, pageURL string) ([]string, error) {
	if pageURL == "" {
		return nil, fmt.Errorf("vision step requires image_urls or a page url")
	}
	res, err := p.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	return extract.ScanAssets(res.Body, pageURL).ImageLinks, nil
}

func (p *Processor) process(ctx context.Context, url, depth string) ([]byte, error) {
	res, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}

	analysis, err := p.analyzer.Analyze(ctx, res.Body, depth)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", url, err)
	}

	return json.Marshal(map[string]any{
		"url":         url,
		"description": analysis.Description,
		"labels":      analysis.Labels,
		"depth":       depth,
	})
}
