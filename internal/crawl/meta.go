package crawl

import (
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"

	"mywebintel/internal/store"
)

// pageMeta holds whatever metadata a page exposes. Empty fields mean
// the page declared nothing.
type pageMeta struct {
	Title       string
	Description string
	Keywords    string
	Lang        string
	Author      string
	PublishedAt *time.Time
}

// Tags stripped before extracting readable text.
var noiseSelectors = []string{
	"script", "style", "noscript", "nav", "footer", "header", "aside", "form", "iframe", "svg",
}

func extractMeta(doc *goquery.Document) pageMeta {
	m := pageMeta{}

	m.Title = metaContent(doc, `meta[property="og:title"]`)
	if m.Title == "" {
		m.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	m.Description = metaContent(doc, `meta[name="description"]`)
	if m.Description == "" {
		m.Description = metaContent(doc, `meta[property="og:description"]`)
	}

	m.Keywords = metaContent(doc, `meta[name="keywords"]`)
	m.Author = metaContent(doc, `meta[name="author"]`)

	if lang, ok := doc.Find("html").Attr("lang"); ok {
		m.Lang = strings.TrimSpace(lang)
	}
	if m.Lang == "" {
		m.Lang = metaContent(doc, `meta[http-equiv="content-language"]`)
	}

	for _, raw := range []string{
		metaContent(doc, `meta[property="article:published_time"]`),
		metaContent(doc, `meta[name="date"]`),
		firstAttr(doc, "time[datetime]", "datetime"),
	} {
		if raw == "" {
			continue
		}
		if ts, err := dateparse.ParseAny(raw); err == nil {
			m.PublishedAt = &ts
			break
		}
	}
	return m
}

func metaContent(doc *goquery.Document, selector string) string {
	content, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(content)
}

func firstAttr(doc *goquery.Document, selector, attr string) string {
	v, _ := doc.Find(selector).First().Attr(attr)
	return strings.TrimSpace(v)
}

// cleanDocument removes script, style and chrome elements in place.
func cleanDocument(doc *goquery.Document) {
	doc.Find(strings.Join(noiseSelectors, ", ")).Remove()
}

// readableText returns the whitespace-normalized visible text of the
// cleaned document. The head title is part of it, so title terms count
// toward content occurrences as well.
func readableText(doc *goquery.Document) string {
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// extractLinks returns the deduplicated crawlable URLs a page points
// to, resolved against the page URL and stripped of fragments.
func extractLinks(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]bool)
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		abs := resolveURL(base, href)
		if abs == "" {
			return
		}
		abs = RemoveAnchor(abs)
		if !IsCrawlable(abs) || seen[abs] {
			return
		}
		seen[abs] = true
		links = append(links, abs)
	})
	return links
}

// extractMedia returns {url, type} pairs for the images, videos and
// audio sources a page embeds. Inline data URIs and sources without a
// recognized media extension are skipped.
func extractMedia(doc *goquery.Document, base *url.URL) [][2]string {
	seen := make(map[string]bool)
	var refs [][2]string

	add := func(src, kind string) {
		if src == "" || strings.HasPrefix(src, "data:") {
			return
		}
		abs := resolveURL(base, src)
		if abs == "" || seen[abs] || !hasMediaExtension(abs, kind) {
			return
		}
		seen[abs] = true
		refs = append(refs, [2]string{abs, kind})
	}

	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		add(strings.TrimSpace(src), store.MediaImage)
	})
	doc.Find("video").Each(func(_ int, sel *goquery.Selection) {
		add(mediaSource(sel), store.MediaVideo)
	})
	doc.Find("audio").Each(func(_ int, sel *goquery.Selection) {
		add(mediaSource(sel), store.MediaAudio)
	})
	return refs
}

// mediaSource reads src from the element itself or its first <source>.
func mediaSource(sel *goquery.Selection) string {
	if src, ok := sel.Attr("src"); ok && strings.TrimSpace(src) != "" {
		return strings.TrimSpace(src)
	}
	src, _ := sel.Find("source[src]").First().Attr("src")
	return strings.TrimSpace(src)
}
