package crawl

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"mywebintel/internal/lang"
	"mywebintel/internal/logging"
	"mywebintel/internal/store"
)

// markdownRefPattern matches [text](url "title") and its ![..] image
// form; the first group separates the two.
var markdownRefPattern = regexp.MustCompile(`(!?)\[([^\]]*)\]\(([^)\s]+)(?:\s+"[^"]*")?\)`)

// ConsolidateLand recomputes relevance, approval, links and media for
// the land's already-fetched expressions without touching the network.
// Link and media sets are re-derived from the archived page when one
// exists, else from markdown references in the refined text.
func (c *Crawler) ConsolidateLand(ctx context.Context, land *store.Land, limit, maxDepth int) (Stats, error) {
	var stats Stats

	lemmas, err := c.store.LandLemmas(land.ID)
	if err != nil {
		return stats, err
	}
	scorer := lang.NewScorer(lemmas, land.Lang)

	expressions, err := c.store.ExpressionsWithContent(land.ID, maxDepth, limit)
	if err != nil {
		return stats, err
	}
	logging.Consolidate("[ConsolidateLand] land=%s expressions=%d", land.Name, len(expressions))

	for _, e := range expressions {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := c.consolidateExpression(scorer, land, e); err != nil {
			logging.CrawlError("[ConsolidateLand] expression=%d err=%v", e.ID, err)
			stats.Errors++
			continue
		}
		stats.Processed++
	}
	return stats, nil
}

func (c *Crawler) consolidateExpression(scorer *lang.Scorer, land *store.Land, e *store.Expression) error {
	applyScore(e, scorer.Score(e.Lang, e.Title, e.Readable))

	if err := c.store.SaveExpression(e); err != nil {
		return err
	}
	if e.ApprovedAt == nil {
		return nil
	}

	base, err := url.Parse(e.URL)
	if err != nil {
		return nil
	}

	var links []string
	var refs [][2]string
	if html := c.readArchive(land.ID, e.ID); html != "" {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err == nil {
			links = extractLinks(doc, base)
			refs = extractMedia(doc, base)
		}
	} else {
		links, refs = ExtractMarkdownRefs(e.Readable, base)
	}

	if e.Depth < c.cfg.Crawl.MaxDepth {
		for _, link := range links {
			name := c.rules.DomainName(link)
			if name == "" {
				continue
			}
			child, err := c.store.UpsertExpression(land.ID, link, e.Depth+1, name)
			if err != nil {
				if errors.Is(err, store.ErrConflict) {
					continue
				}
				return err
			}
			if err := c.store.AddLink(e.ID, child.ID); err != nil {
				return err
			}
		}
	}

	for _, ref := range refs {
		if err := c.store.UpsertMedia(e.ID, ref[0], ref[1]); err != nil {
			return err
		}
	}
	return nil
}

// applyScore stores a freshly computed relevance on the expression.
// An earlier approval keeps its original timestamp; a zero score
// clears it.
func applyScore(e *store.Expression, relevance int) {
	e.Relevance = relevance
	if relevance > 0 {
		if e.ApprovedAt == nil {
			now := time.Now()
			e.ApprovedAt = &now
		}
	} else {
		e.ApprovedAt = nil
	}
}

// RescoreLand recomputes the relevance of every fetched expression in
// the land, so new dictionary terms take effect without refetching.
// The LLM gate is never consulted on this path.
func RescoreLand(st *store.Store, land *store.Land) (int, error) {
	lemmas, err := st.LandLemmas(land.ID)
	if err != nil {
		return 0, err
	}
	scorer := lang.NewScorer(lemmas, land.Lang)

	expressions, err := st.ExpressionsWithContent(land.ID, -1, 0)
	if err != nil {
		return 0, err
	}
	logging.Consolidate("[RescoreLand] land=%s expressions=%d", land.Name, len(expressions))

	for _, e := range expressions {
		applyScore(e, scorer.Score(e.Lang, e.Title, e.Readable))
		if err := st.SaveExpression(e); err != nil {
			return 0, err
		}
	}
	return len(expressions), nil
}

// ExtractMarkdownRefs pulls page links and image references out of
// markdown produced by the readable extractor.
func ExtractMarkdownRefs(text string, base *url.URL) ([]string, [][2]string) {
	var links []string
	var refs [][2]string
	seenLink := make(map[string]bool)
	seenRef := make(map[string]bool)

	for _, m := range markdownRefPattern.FindAllStringSubmatch(text, -1) {
		target := m[3]
		if m[1] == "!" {
			if strings.HasPrefix(target, "data:") {
				continue
			}
			abs := resolveURL(base, target)
			if abs == "" || seenRef[abs] {
				continue
			}
			seenRef[abs] = true
			refs = append(refs, [2]string{abs, store.MediaImage})
			continue
		}
		abs := RemoveAnchor(resolveURL(base, target))
		if abs == "" || !IsCrawlable(abs) || seenLink[abs] {
			continue
		}
		seenLink[abs] = true
		links = append(links, abs)
	}
	return links, refs
}
