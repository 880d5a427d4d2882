package rewrite

import (
	"regexp"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
)

func rewriteDoc(t *testing.T, r *Resolver, src string) (string, *goquery.Document) {
	t.Helper()
	out, err := r.HTMLString(src)
	if err != nil {
		t.Fatalf("HTMLString() error = %v", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(out))
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	return out, doc
}

func TestSrcset_PreservesDescriptors(t *testing.T) {
	r := newTestResolver(t, "https://example.com/a/b.html")
	out := r.Srcset("img1.png 1x, img2.png 2x")

	parts := strings.Split(out, ", ")
	if len(parts) != 2 {
		t.Fatalf("Srcset() = %q, want 2 comma separated entries", out)
	}
	wants := []struct{ url, descriptor string }{
		{"https://example.com/a/img1.png", "1x"},
		{"https://example.com/a/img2.png", "2x"},
	}
	for i, part := range parts {
		fields := strings.Split(part, " ")
		if len(fields) != 2 {
			t.Fatalf("entry %q, want url and descriptor", part)
		}
		if got := target(t, fields[0]); got != wants[i].url {
			t.Errorf("entry %d target = %q, want %q", i, got, wants[i].url)
		}
		if fields[1] != wants[i].descriptor {
			t.Errorf("entry %d descriptor = %q, want %q", i, fields[1], wants[i].descriptor)
		}
	}
}

func TestSrcset_NoDescriptorAndWidths(t *testing.T) {
	r := newTestResolver(t, "https://example.com/")

	out := r.Srcset("  small.jpg 480w,large.jpg   1080w , plain.jpg")
	parts := strings.Split(out, ", ")
	if len(parts) != 3 {
		t.Fatalf("Srcset() = %q, want 3 entries", out)
	}
	if !strings.HasSuffix(parts[0], " 480w") || !strings.HasSuffix(parts[1], " 1080w") {
		t.Errorf("Srcset() = %q, want width descriptors kept", out)
	}
	if strings.Contains(parts[2], " ") {
		t.Errorf("entry %q, want bare URL without trailing descriptor", parts[2])
	}
	if got := target(t, parts[2]); got != "https://example.com/plain.jpg" {
		t.Errorf("entry target = %q, want %q", got, "https://example.com/plain.jpg")
	}
}

func TestHTML_RewritesResourceAttributes(t *testing.T) {
	r := newTestResolver(t, "https://example.com/a/b.html")
	src := `<!DOCTYPE html><html><head>
<link rel="stylesheet" href="/site.css">
<script src="//cdn.example.com/app.js"></script>
</head><body>
<a href="page2.html">next</a>
<img src="pic.png" data-src="lazy.png" data-lazy-src="lazier.png" srcset="a.png 1x, b.png 2x">
<form action="/search"><input name="q"></form>
<iframe src="https://embed.test/frame"></iframe>
<video poster="poster.jpg"><source src="movie.mp4"></video>
<audio src="song.mp3"></audio>
<div data-src="not-a-resource-tag.png"></div>
</body></html>`

	_, doc := rewriteDoc(t, r, src)

	tests := []struct {
		selector string
		attr     string
		want     string
	}{
		{"link", "href", "https://example.com/site.css"},
		{"script[src]", "src", "https://cdn.example.com/app.js"},
		{"a", "href", "https://example.com/a/page2.html"},
		{"img", "src", "https://example.com/a/pic.png"},
		{"img", "data-src", "https://example.com/a/lazy.png"},
		{"img", "data-lazy-src", "https://example.com/a/lazier.png"},
		{"form", "action", "https://example.com/search"},
		{"iframe", "src", "https://embed.test/frame"},
		{"video", "poster", "https://example.com/a/poster.jpg"},
		{"source", "src", "https://example.com/a/movie.mp4"},
		{"audio", "src", "https://example.com/a/song.mp3"},
	}

	for _, tt := range tests {
		t.Run(tt.selector+" "+tt.attr, func(t *testing.T) {
			v, ok := doc.Find(tt.selector).First().Attr(tt.attr)
			if !ok {
				t.Fatalf("%s has no %s", tt.selector, tt.attr)
			}
			if got := target(t, v); got != tt.want {
				t.Errorf("%s[%s] target = %q, want %q", tt.selector, tt.attr, got, tt.want)
			}
		})
	}

	srcset, _ := doc.Find("img").Attr("srcset")
	if !regexp.MustCompile(`^https://proxy\.test/go/\S+ 1x, https://proxy\.test/go/\S+ 2x$`).MatchString(srcset) {
		t.Errorf("srcset = %q, want two proxied candidates with descriptors", srcset)
	}

	if v, _ := doc.Find("div").Attr("data-src"); v != "not-a-resource-tag.png" {
		t.Errorf("div data-src = %q, want untouched", v)
	}
}

func TestHTML_RewritesStyles(t *testing.T) {
	r := newTestResolver(t, "https://example.com/")
	src := `<html><head><style>body{background:url('/bg.png')} i{background:url(data:image/png;base64,AAAA)}</style></head>` +
		`<body><p style="background: url(&quot;/p.png&quot;)">x</p></body></html>`

	out, doc := rewriteDoc(t, r, src)

	style := doc.Find("style").Text()
	if !strings.Contains(style, "body{background:url(https://proxy.test/go/") {
		t.Errorf("style block = %q, want proxied url()", style)
	}
	if !strings.Contains(style, "url(data:image/png;base64,AAAA)") {
		t.Errorf("style block = %q, want data URL untouched", style)
	}

	inline, _ := doc.Find("p").Attr("style")
	m := proxiedURL.FindString(inline)
	if m == "" {
		t.Fatalf("inline style = %q, want proxied url()", inline)
	}
	if got := target(t, m); got != "https://example.com/p.png" {
		t.Errorf("inline style target = %q, want %q", got, "https://example.com/p.png")
	}
	if strings.Contains(out, "'/bg.png'") {
		t.Errorf("output still contains original reference: %s", out)
	}
}

func TestHTML_InjectsScriptOnceIntoBody(t *testing.T) {
	r := newTestResolver(t, "https://example.com/a/b.html")
	out, doc := rewriteDoc(t, r, `<html><body><p>hi</p><script>var inline = 1;</script></body></html>`)

	if n := strings.Count(out, InterceptMarker); n != 1 {
		t.Fatalf("intercept marker count = %d, want 1\n%s", n, out)
	}
	last := doc.Find("body").Children().Last()
	if !last.Is("script") || !strings.Contains(last.Text(), InterceptMarker) {
		t.Errorf("last body child = %q, want intercept script", last.Text())
	}
	if !strings.Contains(out, `"\/go\/"`) && !strings.Contains(out, `"/go/"`) {
		t.Errorf("intercept script does not carry the go path:\n%s", out)
	}
	if !strings.Contains(out, "example.com") {
		t.Errorf("intercept script does not carry the base URL:\n%s", out)
	}
	if !strings.Contains(doc.Find("body script").First().Text(), "var inline = 1;") {
		t.Error("inline page script was altered")
	}
}

func TestHTML_NoBodyNoScript(t *testing.T) {
	r := newTestResolver(t, "https://example.com/")

	tests := []struct {
		name string
		src  string
	}{
		{"fragment", `<a href="/x">x</a><img src="y.png">`},
		{"head only", `<html><head><title>t</title></head></html>`},
		{"empty", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.HTMLString(tt.src)
			if err != nil {
				t.Fatalf("HTMLString() error = %v", err)
			}
			if strings.Contains(out, InterceptMarker) {
				t.Errorf("HTMLString(%q) injected a script:\n%s", tt.src, out)
			}
		})
	}
}

func TestHTML_FragmentKeepsShape(t *testing.T) {
	r := newTestResolver(t, "https://example.com/")
	out, err := r.HTMLString(`<p class="x" id="y">text</p><custom-el foo="bar"></custom-el>`)
	if err != nil {
		t.Fatalf("HTMLString() error = %v", err)
	}

	want := `<p class="x" id="y">text</p><custom-el foo="bar"></custom-el>`
	if out != want {
		t.Errorf("HTMLString() = %q, want %q", out, want)
	}
}

func TestHTML_AttributeOrderPreserved(t *testing.T) {
	r := newTestResolver(t, "https://example.com/")
	out, err := r.HTMLString(`<img alt="a" src="x.png" width="10">`)
	if err != nil {
		t.Fatalf("HTMLString() error = %v", err)
	}

	if !regexp.MustCompile(`^<img alt="a" src="https://proxy\.test/go/[A-Za-z0-9_-]+" width="10"/>$`).MatchString(out) {
		t.Errorf("HTMLString() = %q, want attribute order kept", out)
	}
}

func TestHTML_MalformedMarkup(t *testing.T) {
	r := newTestResolver(t, "https://example.com/")
	src := `<html><body><div><a href="/x">unclosed <b>bold <img src=y.png <p>stray</div></span></body>`

	out, err := r.HTMLString(src)
	if err != nil {
		t.Fatalf("HTMLString() error = %v; malformed markup must not fail", err)
	}
	if !strings.Contains(out, "https://proxy.test/go/") {
		t.Errorf("HTMLString() = %q, want references rewritten", out)
	}
	if strings.Count(out, InterceptMarker) != 1 {
		t.Errorf("expected one intercept script in malformed document")
	}
}

func TestHTML_EmptyAndSpecialAttributesUntouched(t *testing.T) {
	r := newTestResolver(t, "https://example.com/")
	_, doc := rewriteDoc(t, r, `<html><body><form action=""></form><a href="#top">t</a><a href="javascript:void(0)">j</a></body></html>`)

	if v, _ := doc.Find("form").Attr("action"); v != "" {
		t.Errorf("empty action = %q, want empty", v)
	}
	if v, _ := doc.Find("a").Eq(0).Attr("href"); v != "#top" {
		t.Errorf("fragment href = %q, want untouched", v)
	}
	if v, _ := doc.Find("a").Eq(1).Attr("href"); v != "javascript:void(0)" {
		t.Errorf("javascript href = %q, want untouched", v)
	}
}

func TestSrcset_DataURLCandidate(t *testing.T) {
	r := newTestResolver(t, "https://example.com/a/b.html")

	out := r.Srcset("data:image/png;base64,AAAA 1x, b.png 2x")
	parts := strings.Split(out, ", ")
	if len(parts) != 2 {
		t.Fatalf("Srcset() = %q, want 2 entries", out)
	}
	if parts[0] != "data:image/png;base64,AAAA 1x" {
		t.Errorf("data candidate = %q, want it unchanged", parts[0])
	}
	fields := strings.Split(parts[1], " ")
	if len(fields) != 2 || fields[1] != "2x" {
		t.Fatalf("entry %q, want url and 2x descriptor", parts[1])
	}
	if got := target(t, fields[0]); got != "https://example.com/a/b.png" {
		t.Errorf("entry target = %q, want %q", got, "https://example.com/a/b.png")
	}
}

func TestSrcset_TrailingCommaEndsCandidate(t *testing.T) {
	r := newTestResolver(t, "https://example.com/")

	out := r.Srcset("a.png, b.png,, c.png 2x,")
	parts := strings.Split(out, ", ")
	if len(parts) != 3 {
		t.Fatalf("Srcset() = %q, want 3 entries", out)
	}
	for i, want := range []string{"https://example.com/a.png", "https://example.com/b.png"} {
		if got := target(t, parts[i]); got != want {
			t.Errorf("entry %d target = %q, want %q", i, got, want)
		}
	}
	if !strings.HasSuffix(parts[2], " 2x") {
		t.Errorf("entry %q, want 2x descriptor", parts[2])
	}
}

func TestHTML_BaseHrefChangesResolution(t *testing.T) {
	r := newTestResolver(t, "https://example.com/a/b.html")
	src := `<html><head><base href="https://cdn.test/x/"></head>` +
		`<body><img src="a.png"><a href="/top.html">t</a></body></html>`

	_, doc := rewriteDoc(t, r, src)

	tests := []struct {
		selector, attr, want string
	}{
		{"img", "src", "https://cdn.test/x/a.png"},
		{"a", "href", "https://cdn.test/top.html"},
		{"base", "href", "https://cdn.test/x/"},
	}
	for _, tt := range tests {
		v, _ := doc.Find(tt.selector).Attr(tt.attr)
		if got := target(t, v); got != tt.want {
			t.Errorf("%s %s target = %q, want %q", tt.selector, tt.attr, got, tt.want)
		}
	}
}

func TestHTML_RelativeBaseHref(t *testing.T) {
	r := newTestResolver(t, "https://example.com/a/b.html")
	src := `<html><head><base href="/assets/"><base href="/ignored/"></head>` +
		`<body><img src="logo.png"></body></html>`

	_, doc := rewriteDoc(t, r, src)

	v, _ := doc.Find("img").Attr("src")
	if got := target(t, v); got != "https://example.com/assets/logo.png" {
		t.Errorf("img target = %q, want %q", got, "https://example.com/assets/logo.png")
	}
}
