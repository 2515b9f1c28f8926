// Package extract converts fetched HTML documents into clean markdown for
// downstream analysis. Readability-based article extraction handles normal
// pages; a DOM-pruning fallback covers pages where readability finds no
// article body (common on table-heavy regulatory sites).
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/go-shiori/go-readability"
)

var excessiveLinesRe = regexp.MustCompile(`\n{4,}`)

// Result is the outcome of a conversion.
type Result struct {
	Title     string
	Markdown  string
	WordCount int
}

// Converter turns HTML documents into markdown.
type Converter struct {
	md *md.Converter
}

// NewConverter creates a Converter with GitHub-flavored markdown output.
func NewConverter() *Converter {
	conv := md.NewConverter("", true, nil)
	conv.Use(plugin.GitHubFlavored())
	return &Converter{md: conv}
}

// Convert extracts the main content of an HTML page and renders it as
// markdown. pageURL resolves relative links; it may be empty.
func (c *Converter) Convert(htmlContent []byte, pageURL string) (*Result, error) {
	var base *url.URL
	if pageURL != "" {
		if u, err := url.Parse(pageURL); err == nil {
			base = u
		}
	}

	title, content := extractArticle(htmlContent, base)
	if content == "" {
		title2, pruned := pruneDocument(htmlContent)
		if title == "" {
			title = title2
		}
		content = pruned
	}

	markdown, err := c.md.ConvertString(content)
	if err != nil {
		return nil, fmt.Errorf("convert to markdown: %w", err)
	}
	markdown = cleanMarkdown(markdown)

	if title == "" {
		title = firstHeading(markdown)
	}

	return &Result{
		Title:     title,
		Markdown:  markdown,
		WordCount: len(strings.Fields(markdown)),
	}, nil
}

// extractArticle runs readability extraction. Returns empty content when no
// article body is found so the caller can fall back to DOM pruning.
func extractArticle(htmlContent []byte, base *url.URL) (title, content string) {
	article, err := readability.FromReader(bytes.NewReader(htmlContent), base)
	if err != nil {
		return "", ""
	}
	return article.Title, article.Content
}

// cleanMarkdown collapses excessive blank lines and trims trailing space.
func cleanMarkdown(content string) string {
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// firstHeading returns the first H1 text in markdown, or "".
func firstHeading(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}
