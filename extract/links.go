package extract

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// PageAssets are the downloadable resources a page links to.
type PageAssets struct {
	// PDFLinks are absolute URLs of linked PDF files, deduplicated in
	// document order.
	PDFLinks []string

	// ImageLinks are absolute URLs of embedded images, deduplicated in
	// document order.
	ImageLinks []string
}

// ScanAssets walks the HTML tree collecting PDF link targets and embedded
// image sources, resolved against the page URL.
func ScanAssets(content []byte, pageURL string) PageAssets {
	var assets PageAssets

	doc, err := html.Parse(strings.NewReader(string(content)))
	if err != nil {
		return assets
	}

	// url.Parse("") yields a usable zero URL whose ResolveReference
	// rewrites relative hrefs; no page URL means no resolution at all.
	var base *url.URL
	if pageURL != "" {
		base, _ = url.Parse(pageURL)
	}
	seenPDF := make(map[string]bool)
	seenImg := make(map[string]bool)

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "a":
				if href := attrValue(n, "href"); IsPDFLink(href) {
					if resolved := resolveRef(base, href); resolved != "" && !seenPDF[resolved] {
						seenPDF[resolved] = true
						assets.PDFLinks = append(assets.PDFLinks, resolved)
					}
				}
			case "img":
				if src := attrValue(n, "src"); src != "" {
					if resolved := resolveRef(base, src); resolved != "" && !seenImg[resolved] {
						seenImg[resolved] = true
						assets.ImageLinks = append(assets.ImageLinks, resolved)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return assets
}

// IsPDFLink reports whether a href points at a PDF file, ignoring query and
// fragment.
func IsPDFLink(href string) bool {
	if href == "" {
		return false
	}
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	return strings.HasSuffix(strings.ToLower(href), ".pdf")
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func resolveRef(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
