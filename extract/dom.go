package extract

import (
	"strings"

	"golang.org/x/net/html"
)

var chromeTags = []string{
	"nav", "header", "footer", "aside", "script", "style", "noscript",
	"iframe", "object", "embed", "form", "input", "button",
}

var chromeClasses = []string{
	"nav", "navbar", "navigation", "sidebar", "menu", "toc",
	"table-of-contents", "footer", "header", "ad", "advertisement",
	"social", "share", "comments", "related", "breadcrumb",
}

// pruneDocument strips page chrome from HTML and returns the title plus the
// HTML of the main content region.
func pruneDocument(content []byte) (title, cleaned string) {
	doc, err := html.Parse(strings.NewReader(string(content)))
	if err != nil {
		return "", string(content)
	}

	title = findTitle(doc)

	// Prefer an explicit main-content landmark.
	for _, sel := range []string{"main", "article"} {
		if node := findTag(doc, sel); node != nil {
			return title, render(node)
		}
	}
	if node := findAttr(doc, "role", "main"); node != nil {
		return title, render(node)
	}

	removeTags(doc, chromeTags)
	removeClasses(doc, chromeClasses)

	if body := findTag(doc, "body"); body != nil {
		return title, render(body)
	}
	return title, string(content)
}

func findTitle(doc *html.Node) string {
	node := findTag(doc, "title")
	if node == nil || node.FirstChild == nil {
		return ""
	}
	return strings.TrimSpace(node.FirstChild.Data)
}

func findTag(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findTag(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func findAttr(n *html.Node, key, val string) *html.Node {
	if n.Type == html.ElementNode {
		for _, a := range n.Attr {
			if a.Key == key && a.Val == val {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findAttr(c, key, val); found != nil {
			return found
		}
	}
	return nil
}

func removeTags(n *html.Node, tags []string) {
	tagSet := make(map[string]bool, len(tags))
	for _, t := range tags {
		tagSet[t] = true
	}
	removeMatching(n, func(node *html.Node) bool {
		return tagSet[node.Data]
	})
}

func removeClasses(n *html.Node, classes []string) {
	classSet := make(map[string]bool, len(classes))
	for _, c := range classes {
		classSet[c] = true
	}
	removeMatching(n, func(node *html.Node) bool {
		for _, a := range node.Attr {
			if a.Key != "class" {
				continue
			}
			for _, c := range strings.Fields(strings.ToLower(a.Val)) {
				if classSet[c] {
					return true
				}
			}
		}
		return false
	})
}

// removeMatching detaches every element node the predicate matches. Matched
// subtrees are not descended into.
func removeMatching(n *html.Node, match func(*html.Node) bool) {
	var doomed []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && match(node) {
			doomed = append(doomed, node)
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)

	for _, node := range doomed {
		if node.Parent != nil {
			node.Parent.RemoveChild(node)
		}
	}
}

func render(n *html.Node) string {
	var sb strings.Builder
	_ = html.Render(&sb, n)
	return sb.String()
}
