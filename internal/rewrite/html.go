package rewrite

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrRewrite is wrapped by every failure to rewrite a markup document.
var ErrRewrite = errors.New("rewrite document")

// resourceSelector lists the elements whose URL attributes are rewritten.
const resourceSelector = "a, link, script, img, form, iframe, source, video, audio"

var (
	// urlAttrs hold a single URL each.
	urlAttrs = []string{"href", "src", "action", "data-src", "data-lazy-src", "data-lazy_src", "poster"}
	// srcsetAttrs hold comma separated candidate lists.
	srcsetAttrs = []string{"srcset", "data-srcset"}
)

// HTML rewrites the markup document in src and writes the result to w.
//
// Malformed markup is parsed leniently. Input that carries no document
// structure (no doctype, html, head or body tag) is treated as a fragment and
// rendered without the implied wrappers. The interception script is appended
// to <body> only when the source has an explicit body element.
//
// A <base href> in the document replaces r's base for every reference in it,
// as it would in a browser; the base element itself is pointed at the proxy.
func (r *Resolver) HTML(w io.Writer, src []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrRewrite, p)
		}
	}()

	shape := scanShape(src)

	root, err := parseTree(src, shape.document)
	if err != nil {
		return fmt.Errorf("%w: parse: %v", ErrRewrite, err)
	}
	doc := goquery.NewDocumentFromNode(root)
	r = r.documentBase(doc)

	doc.Find(resourceSelector).Each(func(_ int, s *goquery.Selection) {
		for _, attr := range urlAttrs {
			if v, ok := s.Attr(attr); ok && v != "" {
				s.SetAttr(attr, r.Rewrite(v))
			}
		}
		for _, attr := range srcsetAttrs {
			if v, ok := s.Attr(attr); ok && v != "" {
				s.SetAttr(attr, r.Srcset(v))
			}
		}
	})

	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		for _, n := range s.Nodes {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.TextNode {
					c.Data = r.CSS(c.Data)
				}
			}
		}
	})

	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		v, _ := s.Attr("style")
		s.SetAttr("style", r.CSS(v))
	})

	if shape.body {
		if body := doc.Find("body").First(); body.Length() > 0 {
			script, err := r.interceptScript()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrRewrite, err)
			}
			body.AppendHtml(script)
		}
	}

	if err := html.Render(w, root); err != nil {
		return fmt.Errorf("%w: render: %v", ErrRewrite, err)
	}
	return nil
}

// documentBase returns the resolver for a document declaring <base href>.
// Only the first base element with an href counts. An href that cannot be
// resolved leaves r in effect.
func (r *Resolver) documentBase(doc *goquery.Document) *Resolver {
	s := doc.Find("base[href]").First()
	href, ok := s.Attr("href")
	if !ok {
		return r
	}
	abs, ok := r.Absolute(href)
	if !ok {
		return r
	}
	u, err := url.Parse(abs)
	if err != nil {
		return r
	}
	s.SetAttr("href", r.Rewrite(href))
	r.logger.Debug("document base", "href", href, "base", abs)
	return &Resolver{base: u, root: r.root, logger: r.logger}
}

// HTMLString is HTML for callers holding the document as a string.
func (r *Resolver) HTMLString(src string) (string, error) {
	var buf bytes.Buffer
	if err := r.HTML(&buf, []byte(src)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

type docShape struct {
	document bool // doctype, html, head or body present
	body     bool // explicit <body> start tag present
}

// scanShape tokenizes src looking for the structural tags the tree builder
// would otherwise invent.
func scanShape(src []byte) docShape {
	var shape docShape
	z := html.NewTokenizer(bytes.NewReader(src))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return shape
		case html.DoctypeToken:
			shape.document = true
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Html, atom.Head:
				shape.document = true
			case atom.Body:
				shape.document = true
				shape.body = true
				return shape
			}
		}
	}
}

// parseTree builds the node tree for src. Fragments are parsed in a body
// context and hung off a bare document node so rendering adds no wrappers.
func parseTree(src []byte, document bool) (*html.Node, error) {
	if document {
		return html.Parse(bytes.NewReader(src))
	}

	context := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(bytes.NewReader(src), context)
	if err != nil {
		return nil, err
	}
	root := &html.Node{Type: html.DocumentNode}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return root, nil
}
