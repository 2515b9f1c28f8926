// Package validator implements the quality validation worker. It loads the
// extraction produced earlier in the workflow from the shared cache, runs
// deterministic structural checks, and at the strict level asks the LLM for
// a quality assessment.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/lexstream/cache"
	"github.com/c360studio/lexstream/llm"
	"github.com/c360studio/lexstream/message"
	"github.com/c360studio/lexstream/optimizer"
	"github.com/c360studio/lexstream/worker"
)

// minWordCount is the structural floor below which an extraction is
// considered too thin to be a usable document.
const minWordCount = 100

// maxAssessChars limits extraction content sent for LLM assessment.
const maxAssessChars = 6000

// Validator checks extraction quality.
type Validator struct {
	cache  *cache.Cache
	opt    *optimizer.Optimizer
	llm    *llm.Client
	logger *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// New creates a validator. The LLM client may be nil; strict validation
// then degrades to the structural checks.
func New(c *cache.Cache, opt *optimizer.Optimizer, client *llm.Client, opts ...Option) *Validator {
	v := &Validator{
		cache:  c,
		opt:    opt,
		llm:    client,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Role implements worker.Executor.
func (v *Validator) Role() string { return message.RoleValidator }

// ResultKind implements worker.Executor.
func (v *Validator) ResultKind() message.Kind { return message.KindValidationCompleted }

// Execute implements worker.Executor.
func (v *Validator) Execute(ctx context.Context, job *message.StepAssignment) (map[string]any, error) {
	if job.URL == "" {
		return nil, fmt.Errorf("validation step requires a url")
	}
	level := worker.InputString(job.Input, "validation_level", "basic")

	key := cache.Key(cache.KindValidation, job.URL, level)
	data, err := v.opt.Do(ctx, key, func(ctx context.Context) ([]byte, error) {
		report, err := v.validate(ctx, job.WorkflowID, job.URL, level)
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
		return nil, fmt.Errorf("decode validation report: %w", err)
	}
	return out, nil
}

func (v *Validator) validate(ctx context.Context, workflowID, url, level string) (map[string]any, error) {
	extractionKey := cache.Key(cache.KindExtraction, url)
	raw, ok := v.cache.Get(ctx, extractionKey)
	if !ok {
		return nil, fmt.Errorf("no extraction found for %s", url)
	}

	var extraction struct {
		Title     string `json:"title"`
		Markdown  string `json:"markdown"`
		WordCount int    `json:"word_count"`
	}
	if err := json.Unmarshal(raw, &extraction); err != nil {
		return nil, fmt.Errorf("decode extraction for %s: %w", url, err)
	}

	score := 1.0
	var issues []string
	if strings.TrimSpace(extraction.Title) == "" {
		score -= 0.2
		issues = append(issues, "extraction has no title")
	}
	if extraction.WordCount < minWordCount {
		score -= 0.4
		issues = append(issues, fmt.Sprintf("extraction has only %d words", extraction.WordCount))
	}
	if strings.TrimSpace(extraction.Markdown) == "" {
		score -= 0.4
		issues = append(issues, "extraction body is empty")
	}

	if level == "strict" && v.llm != nil {
		if assessed, llmIssues, err := v.assess(ctx, workflowID, extraction.Markdown); err == nil {
			// Structural checks set the ceiling; the LLM can only
			// pull the score down.
			if assessed < score {
				score = assessed
			}
			issues = append(issues, llmIssues...)
		} else {
			v.logger.Warn("LLM assessment failed, structural checks only", "url", url, "error", err)
		}
	}
	if score < 0 {
		score = 0
	}

	return map[string]any{
		"url":    url,
		"level":  level,
		"score":  score,
		"valid":  score >= 0.6,
		"issues": issues,
	}, nil
}

// assess asks the LLM to judge extraction quality.
func (v *Validator) assess(ctx context.Context, workflowID, markdown string) (float64, []string, error) {
	if len(markdown) > maxAssessChars {
		markdown = markdown[:maxAssessChars]
	}

	temp := 0.2
	resp, err := v.llm.Complete(ctx, llm.Request{
		Capability: "validation",
		Messages: []llm.Message{
			{Role: "system", Content: validationSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(validationUserPrompt, markdown)},
		},
		Temperature:   &temp,
		MaxTokens:     512,
		CorrelationID: workflowID,
	})
	if err != nil {
		return 0, nil, err
	}

	var assessment struct {
		Score  float64  `json:"score"`
		Issues []string `json:"issues"`
	}
	jsonStr := extractJSON(resp.Content)
	if jsonStr == "" {
		return 0, nil, fmt.Errorf("no JSON found in response")
	}
	if err := json.Unmarshal([]byte(jsonStr), &assessment); err != nil {
		return 0, nil, fmt.Errorf("invalid JSON response: %w", err)
	}
	if assessment.Score < 0 || assessment.Score > 1 {
		return 0, nil, fmt.Errorf("score %v out of range", assessment.Score)
	}
	return assessment.Score, assessment.Issues, nil
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
