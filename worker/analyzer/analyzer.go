// Package analyzer implements the site analysis worker. It profiles a
// document URL — content shape, linked PDFs, embedded images — and asks the
// LLM to classify the document and recommend an extraction strategy. The
// orchestrator uses the profile to decide which extraction branches run.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/lexstream/cache"
	"github.com/c360studio/lexstream/extract"
	"github.com/c360studio/lexstream/fetch"
	"github.com/c360studio/lexstream/llm"
	"github.com/c360studio/lexstream/message"
	"github.com/c360studio/lexstream/optimizer"
	"github.com/c360studio/lexstream/worker"
)

// maxAnalysisChars limits page content sent for LLM classification.
const maxAnalysisChars = 4000

// Profile is the LLM's classification of a document page.
type Profile struct {
	Category string `json:"category"` // act | bill | directive | register | other
	Strategy string `json:"strategy"` // html | pdf | mixed
	Summary  string `json:"summary"`
}

// Analyzer profiles document sites.
type Analyzer struct {
	fetcher   *fetch.Fetcher
	converter *extract.Converter
	opt       *optimizer.Optimizer
	llm       *llm.Client
	logger    *slog.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// New creates an analyzer. The LLM client may be nil; analysis then falls
// back to page-shape heuristics.
func New(fetcher *fetch.Fetcher, converter *extract.Converter, opt *optimizer.Optimizer, client *llm.Client, opts ...Option) *Analyzer {
	a := &Analyzer{
		fetcher:   fetcher,
		converter: converter,
		opt:       opt,
		llm:       client,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Role implements worker.Executor.
func (a *Analyzer) Role() string { return message.RoleAnalysis }

// ResultKind implements worker.Executor.
func (a *Analyzer) ResultKind() message.Kind { return message.KindWebsiteAnalyzed }

// Execute implements worker.Executor.
func (a *Analyzer) Execute(ctx context.Context, job *message.StepAssignment) (map[string]any, error) {
	if job.URL == "" {
		return nil, fmt.Errorf("analysis step requires a url")
	}
	depth := worker.InputString(job.Input, "analysis_depth", "standard")

	key := cache.Key(cache.KindWebsiteAnalysis, job.URL, depth)
	data, err := a.opt.Do(ctx, key, func(ctx context.Context) ([]byte, error) {
		report, err := a.analyze(ctx, job.WorkflowID, job.URL, depth)
		if err != nil {
			return nil, err
		}
		return json.Marshal(report)
	}, optimizer.WithTags("url:"+job.URL))
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode analysis report: %w", err)
	}
	return out, nil
}

func (a *Analyzer) analyze(ctx context.Context, workflowID, url, depth string) (map[string]any, error) {
	res, err := a.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}

	assets := extract.ScanAssets(res.Body, url)

	conv, err := a.converter.Convert(res.Body, url)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", url, err)
	}

	report := map[string]any{
		"url":         url,
		"title":       conv.Title,
		"word_count":  conv.WordCount,
		"pdf_links":   assets.PDFLinks,
		"image_links": assets.ImageLinks,
		"image_count": len(assets.ImageLinks),
		"depth":       depth,
	}

	profile := heuristicProfile(conv.WordCount, len(assets.PDFLinks))
	if depth != "basic" && a.llm != nil {
		if p, err := a.classify(ctx, workflowID, conv.Markdown); err == nil {
			profile = p
		} else {
			a.logger.Warn("LLM classification failed, using heuristics", "url", url, "error", err)
		}
	}
	report["category"] = profile.Category
	report["strategy"] = profile.Strategy
	if profile.Summary != "" {
		report["summary"] = profile.Summary
	}

	return report, nil
}

// classify asks the LLM to profile the page content.
func (a *Analyzer) classify(ctx context.Context, workflowID, markdown string) (*Profile, error) {
	temp := 0.3
	resp, err := a.llm.Complete(ctx, llm.Request{
		Capability: "analysis",
		Messages: []llm.Message{
			{Role: "system", Content: analysisSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(analysisUserPrompt, truncate(markdown, maxAnalysisChars))},
		},
		Temperature:   &temp,
		MaxTokens:     512,
		CorrelationID: workflowID,
	})
	if err != nil {
		return nil, err
	}
	return parseProfile(resp.Content)
}

// heuristicProfile guesses a strategy from page shape when the LLM is
// unavailable or disabled.
func heuristicProfile(wordCount, pdfLinks int) *Profile {
	p := &Profile{Category: "other", Strategy: "html"}
	switch {
	case pdfLinks > 0 && wordCount < 200:
		p.Strategy = "pdf"
	case pdfLinks > 0:
		p.Strategy = "mixed"
	}
	return p
}

func parseProfile(content string) (*Profile, error) {
	jsonStr := extractJSON(content)
	if jsonStr == "" {
		return nil, fmt.Errorf("no JSON found in response")
	}

	var p Profile
	if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
		return nil, fmt.Errorf("invalid JSON response: %w", err)
	}

	if !validCategory(p.Category) {
		p.Category = "other"
	}
	if !validStrategy(p.Strategy) {
		p.Strategy = "html"
	}
	return &p, nil
}

func validCategory(c string) bool {
	switch c {
	case "act", "bill", "directive", "register", "other":
		return true
	}
	return false
}

func validStrategy(s string) bool {
	switch s {
	case "html", "pdf", "mixed":
		return true
	}
	return false
}

// truncate caps content for analysis, preferring a paragraph boundary.
func truncate(content string, maxChars int) string {
	if len(content) <= maxChars {
		return content
	}
	truncated := content[:maxChars]
	if lastPara := strings.LastIndex(truncated, "\n\n"); lastPara > maxChars/2 {
		truncated = truncated[:lastPara]
	}
	return truncated + "\n\n[Content truncated for analysis...]"
}

// extractJSON pulls a JSON object out of a response that may wrap it in a
// markdown code fence or surrounding prose.
func extractJSON(content string) string {
	if m := codeBlockRe.FindStringSubmatch(content); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}

	start := strings.Index(content, "{")
	if start == -1 {
		return ""
	}
	decoder := json.NewDecoder(strings.NewReader(content[start:]))
	var raw json.RawMessage
	if err := decoder.Decode(&raw); err == nil {
		return string(raw)
	}
	return ""
}
