package processor

import (
	"bytes"
	"fmt"
	"html"
	"mime"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/JakeFAU/crawlsearch/internal/crawler"
)

// page is what the processor extracts from one HTML document.
type page struct {
	Title     string
	Snippet   string
	Thumbnail string
	Region    string
	Text      string
	Links     []string
}

type extractor struct {
	snippetLength int
	sanitizer     *bluemonday.Policy
}

func newExtractor(snippetLength int) *extractor {
	return &extractor{snippetLength: snippetLength, sanitizer: bluemonday.StrictPolicy()}
}

// isHTML accepts an empty content type; only an explicit non-HTML type is rejected.
func isHTML(contentType string) bool {
	if strings.TrimSpace(contentType) == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func (e *extractor) extract(body []byte, pageURL, contentLanguage string) (page, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return page{}, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return page{}, fmt.Errorf("parse html: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = resolved
		}
	}

	doc.Find("script, style, noscript, template, svg").Remove()
	text := collapseSpace(doc.Find("body").Text())

	p := page{
		Title:     e.title(doc, pageURL),
		Thumbnail: thumbnail(doc, base),
		Region:    region(doc, contentLanguage, base.Hostname()),
		Text:      text,
		Links:     links(doc, base),
	}

	description := metaContent(doc, `meta[name="description"]`, `meta[property="og:description"]`, `meta[name="twitter:description"]`)
	if description == "" {
		description = text
	}
	p.Snippet = truncate(e.clean(description), e.snippetLength)
	return p, nil
}

func (e *extractor) title(doc *goquery.Document, pageURL string) string {
	candidates := []string{
		doc.Find("title").First().Text(),
		metaContent(doc, `meta[property="og:title"]`, `meta[name="twitter:title"]`),
		doc.Find("h1").First().Text(),
	}
	for _, c := range candidates {
		if t := e.clean(c); t != "" {
			return t
		}
	}
	return pageURL
}

// clean strips markup from s and returns plain, whitespace-collapsed text.
func (e *extractor) clean(s string) string {
	return collapseSpace(html.UnescapeString(e.sanitizer.Sanitize(s)))
}

func metaContent(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v, ok := doc.Find(sel).First().Attr("content"); ok {
			if v = collapseSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func thumbnail(doc *goquery.Document, base *url.URL) string {
	candidates := []string{
		metaContent(doc, `meta[property="og:image"]`, `meta[property="og:image:url"]`),
		metaContent(doc, `meta[name="twitter:image"]`, `meta[name="twitter:image:src"]`),
	}
	if src, ok := doc.Find("img[src]").First().Attr("src"); ok {
		candidates = append(candidates, src)
	}
	for _, c := range candidates {
		if abs := resolve(base, c); abs != "" {
			return abs
		}
	}
	return ""
}

// region returns a lowercase two-letter country code from, in order, geo meta
// tags, the html lang region subtag, the Content-Language header and the
// host's country TLD.
func region(doc *goquery.Document, contentLanguage, host string) string {
	if geo := metaContent(doc, `meta[name="geo.country"]`, `meta[name="geo.region"]`); geo != "" {
		if cc := countryPrefix(geo); cc != "" {
			return cc
		}
	}
	if lang, ok := doc.Find("html").First().Attr("lang"); ok {
		if cc := langRegion(lang); cc != "" {
			return cc
		}
	}
	for _, lang := range strings.Split(contentLanguage, ",") {
		if cc := langRegion(lang); cc != "" {
			return cc
		}
	}
	return crawler.CountryTLD(host)
}

func countryPrefix(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if i := strings.IndexAny(v, "-_"); i >= 0 {
		v = v[:i]
	}
	if len(v) != 2 || !isLetters(v) {
		return ""
	}
	return v
}

func langRegion(tag string) string {
	parts := strings.FieldsFunc(strings.TrimSpace(tag), func(r rune) bool { return r == '-' || r == '_' })
	for _, p := range parts[min(1, len(parts)):] {
		if len(p) == 2 && isLetters(p) {
			return strings.ToLower(p)
		}
	}
	return ""
}

func isLetters(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

func links(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var out []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if rel, _ := s.Attr("rel"); strings.Contains(strings.ToLower(rel), "nofollow") {
			return
		}
		href, _ := s.Attr("href")
		abs := resolve(base, href)
		if abs == "" {
			return
		}
		normalized, err := crawler.NormalizeURL(abs)
		if err != nil {
			return
		}
		if _, dup := seen[normalized]; dup {
			return
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	})
	return out
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return ""
	}
	u, err := base.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ""
	}
	return u.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate cuts s to at most n runes, backing up to a word boundary when one
// is close.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	cut := n
	for i := n; i > n/2; i-- {
		if runes[i] == ' ' {
			cut = i
			break
		}
	}
	return strings.TrimSpace(string(runes[:cut])) + "…"
}
