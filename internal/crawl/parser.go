// Package crawl is the ingestion pipeline for documentation sources:
// a breadth-first fetcher with URL pattern filters, an HTML-to-text
// parser, a heading-aware chunker, and the orchestrator that turns a
// source into embedded, replaceable documents.
package crawl

import (
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	apperrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// BlockKind classifies one extracted run of page text.
type BlockKind string

const (
	BlockHeading   BlockKind = "heading"
	BlockParagraph BlockKind = "paragraph"
	BlockCode      BlockKind = "code"
)

// Block is one text unit in document order.
type Block struct {
	Kind  BlockKind
	Level int // heading level, 1..6
	Text  string
}

// Page is the parsed form of one fetched URL.
type Page struct {
	URL      string
	Title    string
	Headings []string
	Blocks   []Block
	Links    []string
}

// Elements whose subtree carries no document text.
var skippedTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"iframe": true, "svg": true, "canvas": true, "video": true,
	"audio": true, "object": true, "form": true, "button": true,
	"select": true, "nav": true, "header": true, "footer": true,
	"aside": true,
}

// Elements that end the paragraph being accumulated.
var blockTags = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "main": true,
	"li": true, "ul": true, "ol": true, "dl": true, "dt": true, "dd": true,
	"table": true, "thead": true, "tbody": true, "tr": true, "td": true,
	"th": true, "blockquote": true, "figure": true, "figcaption": true,
	"hr": true, "br": true,
}

// ParseHTML extracts the title, heading outline, text blocks, and
// same-document links from an HTML page. pageURL anchors relative links.
func ParseHTML(pageURL string, r io.Reader) (*Page, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, apperrors.NewValidation("page URL is not parseable")
	}
	root, err := html.Parse(r)
	if err != nil {
		return nil, apperrors.Wrap(err, "html parse failed")
	}

	p := &htmlWalker{
		page: &Page{URL: pageURL},
		base: base,
		seen: make(map[string]bool),
	}
	p.walk(root)
	p.flush()

	if p.page.Title == "" && len(p.page.Headings) > 0 {
		p.page.Title = p.page.Headings[0]
	}
	return p.page, nil
}

type htmlWalker struct {
	page *Page
	base *url.URL
	seen map[string]bool
	buf  strings.Builder
}

func (p *htmlWalker) walk(n *html.Node) {
	if n.Type == html.ElementNode {
		tag := n.Data
		if skippedTags[tag] {
			return
		}
		switch {
		case tag == "title":
			if t := collapse(textOf(n)); t != "" && p.page.Title == "" {
				p.page.Title = t
			}
			return
		case tag == "pre":
			p.flush()
			if code := strings.TrimRight(textOf(n), " \t\n"); strings.TrimSpace(code) != "" {
				p.page.Blocks = append(p.page.Blocks, Block{Kind: BlockCode, Text: code})
			}
			return
		case len(tag) == 2 && tag[0] == 'h' && tag[1] >= '1' && tag[1] <= '6':
			p.flush()
			if t := collapse(textOf(n)); t != "" {
				p.page.Blocks = append(p.page.Blocks, Block{
					Kind:  BlockHeading,
					Level: int(tag[1] - '0'),
					Text:  t,
				})
				p.page.Headings = append(p.page.Headings, t)
			}
			return
		case tag == "a":
			p.collectLink(n)
		}
		if blockTags[tag] {
			p.flush()
			defer p.flush()
		}
	}
	if n.Type == html.TextNode {
		p.buf.WriteString(n.Data)
		p.buf.WriteByte(' ')
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		p.walk(c)
	}
}

// flush turns the accumulated inline text into a paragraph block.
func (p *htmlWalker) flush() {
	text := collapse(p.buf.String())
	p.buf.Reset()
	if text == "" {
		return
	}
	p.page.Blocks = append(p.page.Blocks, Block{Kind: BlockParagraph, Text: text})
}

func (p *htmlWalker) collectLink(n *html.Node) {
	for _, attr := range n.Attr {
		if attr.Key != "href" {
			continue
		}
		ref, err := url.Parse(strings.TrimSpace(attr.Val))
		if err != nil {
			return
		}
		abs := p.base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		abs.Fragment = ""
		link := abs.String()
		if !p.seen[link] {
			p.seen[link] = true
			p.page.Links = append(p.page.Links, link)
		}
		return
	}
}

// textOf returns the concatenated text of a subtree, skipping non-content
// elements.
func textOf(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode && skippedTags[n.Data] {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return b.String()
}

// collapse squeezes runs of whitespace into single spaces.
func collapse(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.Join(fields, " ")
}
