package crawl

import (
	"net/url"
	"strings"
)

// Extensions that mark a link as a document or image rather than a
// crawlable page.
var skipExtensions = []string{
	".jpg", ".jpeg", ".png", ".bmp", ".webp",
	".pdf", ".txt", ".csv", ".xls", ".xlsx", ".doc", ".docx",
}

// Recognized media extensions per kind. A bare src with no known
// extension is usually a tracker or a script endpoint, not media.
var mediaExtensions = map[string][]string{
	"img":   {".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".svg"},
	"video": {".mp4", ".webm", ".ogg", ".ogv", ".mov", ".avi", ".mkv"},
	"audio": {".mp3", ".wav", ".aac", ".flac", ".m4a"},
}

// hasMediaExtension reports whether the URL path ends with an
// extension recognized for the media kind.
func hasMediaExtension(rawURL, kind string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	for _, ext := range mediaExtensions[kind] {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// RemoveAnchor strips the fragment from a URL. A bare fragment link
// ("#top") is left alone so it fails the crawlability check instead of
// collapsing to an empty string.
func RemoveAnchor(rawURL string) string {
	if i := strings.Index(rawURL, "#"); i > 0 {
		return rawURL[:i]
	}
	return rawURL
}

// IsCrawlable reports whether a URL is worth storing as an expression:
// absolute http(s), a non-empty path, and not a known binary format.
func IsCrawlable(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Host == "" || u.Path == "" {
		return false
	}
	path := strings.ToLower(u.Path)
	for _, ext := range skipExtensions {
		if strings.HasSuffix(path, ext) {
			return false
		}
	}
	return true
}

// resolveURL makes href absolute against the page URL, lowering the
// host so case variants collapse to one expression. Returns "" when
// href cannot be parsed.
func resolveURL(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	u := base.ResolveReference(ref)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}
