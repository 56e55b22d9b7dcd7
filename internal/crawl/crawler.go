// Package crawl drives the expression pipeline: fetching pages,
// extracting their metadata and text, scoring them against the land
// dictionary and expanding the land through their links and media.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"golang.org/x/sync/errgroup"

	"mywebintel/internal/config"
	"mywebintel/internal/fetch"
	"mywebintel/internal/gate"
	"mywebintel/internal/heuristics"
	"mywebintel/internal/lang"
	"mywebintel/internal/logging"
	"mywebintel/internal/store"
)

// Stats sums up a pipeline run. Processed counts pages whose content
// made it into the store, Errors counts pages that yielded nothing.
type Stats struct {
	Processed int
	Errors    int
}

// Crawler owns the fetch-process-write cycle for a database.
type Crawler struct {
	store   *store.Store
	cfg     *config.Config
	fetcher *fetch.Fetcher
	rules   *heuristics.Set
	gate    *gate.Gate

	// set once the gate budget runs out, pages then keep their
	// lexical score
	gateOff bool

	// lazy headless browser for dynamic media extraction
	browser *rod.Browser
}

// New assembles a crawler. gate may be nil when the LLM verdict is
// disabled.
func New(st *store.Store, cfg *config.Config, f *fetch.Fetcher, rules *heuristics.Set, g *gate.Gate) *Crawler {
	return &Crawler{store: st, cfg: cfg, fetcher: f, rules: rules, gate: g}
}

// CrawlLand fetches and processes the land's pending expressions.
// httpFilter re-selects previously crawled pages by status instead of
// the uncrawled ones, maxDepth (when >= 0) restricts the selection,
// and limit (when > 0) caps it.
func (c *Crawler) CrawlLand(ctx context.Context, land *store.Land, limit int, httpFilter string, maxDepth int) (Stats, error) {
	var stats Stats

	lemmas, err := c.store.LandLemmas(land.ID)
	if err != nil {
		return stats, err
	}
	scorer := lang.NewScorer(lemmas, land.Lang)

	landCtx := gate.LandContext{Name: land.Name, Description: land.Description, Lang: land.Lang, Terms: lemmas}

	expressions, err := c.store.ExpressionsToCrawl(land.ID, httpFilter, maxDepth, limit)
	if err != nil {
		return stats, err
	}
	logging.Crawl("[CrawlLand] land=%s pending=%d filter=%q depth=%d", land.Name, len(expressions), httpFilter, maxDepth)

	batch := c.cfg.Crawl.ParallelConnections
	if batch < 1 {
		batch = 1
	}

	timer := logging.StartTimer(logging.CategoryCrawl, "crawl_land")
	defer timer.StopWithInfo()

	for start := 0; start < len(expressions); start += batch {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		end := start + batch
		if end > len(expressions) {
			end = len(expressions)
		}
		window := expressions[start:end]
		results := make([]fetch.Result, len(window))

		g, gctx := errgroup.WithContext(ctx)
		for i, e := range window {
			g.Go(func() error {
				results[i] = c.fetcher.Page(gctx, e.URL)
				return nil
			})
		}
		g.Wait()

		// Writes stay on one goroutine: SQLite has a single writer.
		for i, e := range window {
			// An aborted fetch is not an outcome; the row stays queued.
			if results[i].Cancelled {
				continue
			}
			if err := c.processExpression(ctx, scorer, landCtx, land, e, results[i]); err != nil {
				logging.CrawlError("[CrawlLand] expression=%d url=%s err=%v", e.ID, e.URL, err)
				stats.Errors++
				continue
			}
			if results[i].HTML == "" {
				stats.Errors++
			} else {
				stats.Processed++
			}
		}
	}
	return stats, nil
}

// processExpression writes one fetch outcome back to the store. Even
// a dead page gets its status and fetch time recorded so it leaves
// the pending queue.
func (c *Crawler) processExpression(ctx context.Context, scorer *lang.Scorer, landCtx gate.LandContext, land *store.Land, e *store.Expression, res fetch.Result) error {
	now := time.Now()
	e.HTTPStatus = res.Status
	e.FetchedAt = &now

	if res.HTML == "" {
		return c.store.SaveExpression(e)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.HTML))
	if err != nil {
		if saveErr := c.store.SaveExpression(e); saveErr != nil {
			return saveErr
		}
		return fmt.Errorf("failed to parse page: %w", err)
	}

	if c.cfg.Archive {
		if err := c.writeArchive(land.ID, e.ID, res.HTML); err != nil {
			logging.CrawlError("[processExpression] archive write failed expression=%d err=%v", e.ID, err)
		}
	}

	meta := extractMeta(doc)
	e.Title = meta.Title
	e.Description = meta.Description
	e.Keywords = meta.Keywords
	e.Author = meta.Author
	e.Lang = meta.Lang
	e.PublishedAt = meta.PublishedAt

	cleanDocument(doc)
	e.Readable = readableText(doc)

	relevance := scorer.Score(e.Lang, e.Title, e.Readable)
	relevance = c.reviewRelevance(ctx, landCtx, e, relevance)

	e.Relevance = relevance
	if relevance > 0 {
		e.ApprovedAt = &now
	} else {
		e.ApprovedAt = nil
	}

	if err := c.store.SaveExpression(e); err != nil {
		return err
	}

	if e.ApprovedAt != nil {
		if e.Depth < c.cfg.Crawl.MaxDepth {
			c.discoverLinks(doc, land, e)
		}
		c.discoverMedia(ctx, doc, e, res)
	}
	return nil
}

// reviewRelevance runs the LLM gate over lexically relevant pages. A
// "non" zeroes the score; gate failures and an exhausted budget keep
// the lexical score.
func (c *Crawler) reviewRelevance(ctx context.Context, landCtx gate.LandContext, e *store.Expression, relevance int) int {
	if relevance <= 0 || c.gate == nil || c.gateOff {
		return relevance
	}
	page := gate.PageContext{URL: e.URL, Title: e.Title, Description: e.Description, Readable: e.Readable}
	relevant, err := c.gate.Review(ctx, landCtx, page)
	if err != nil {
		if errors.Is(err, gate.ErrBudgetExhausted) {
			c.gateOff = true
			logging.GateWarn("[reviewRelevance] budget exhausted, keeping lexical scores")
		} else {
			logging.GateWarn("[reviewRelevance] expression=%d err=%v", e.ID, err)
		}
		return relevance
	}
	if !relevant {
		return 0
	}
	return relevance
}

// discoverLinks upserts the page's outbound URLs one level deeper and
// records the graph edges. URLs already claimed by another land are
// skipped.
func (c *Crawler) discoverLinks(doc *goquery.Document, land *store.Land, e *store.Expression) {
	base, err := url.Parse(e.URL)
	if err != nil {
		return
	}
	for _, link := range extractLinks(doc, base) {
		name := c.rules.DomainName(link)
		if name == "" {
			continue
		}
		child, err := c.store.UpsertExpression(land.ID, link, e.Depth+1, name)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			logging.CrawlError("[discoverLinks] url=%s err=%v", link, err)
			continue
		}
		if err := c.store.AddLink(e.ID, child.ID); err != nil {
			logging.CrawlError("[discoverLinks] link %d->%d err=%v", e.ID, child.ID, err)
		}
	}
}

// discoverMedia records the page's embedded media, optionally topped
// up by a headless browser pass for script-injected images.
func (c *Crawler) discoverMedia(ctx context.Context, doc *goquery.Document, e *store.Expression, res fetch.Result) {
	base, err := url.Parse(e.URL)
	if err != nil {
		return
	}
	refs := extractMedia(doc, base)

	if c.cfg.Crawl.DynamicMediaExtraction && !res.FromArchive {
		dyn, err := c.dynamicMedia(ctx, e.URL)
		if err != nil {
			logging.MediaWarn("[discoverMedia] dynamic pass failed url=%s err=%v", e.URL, err)
		} else {
			refs = mergeRefs(refs, dyn)
		}
	}

	for _, ref := range refs {
		if err := c.store.UpsertMedia(e.ID, ref[0], ref[1]); err != nil {
			logging.MediaWarn("[discoverMedia] expression=%d url=%s err=%v", e.ID, ref[0], err)
		}
	}
}

func mergeRefs(refs, extra [][2]string) [][2]string {
	seen := make(map[string]bool, len(refs))
	for _, r := range refs {
		seen[r[0]] = true
	}
	for _, r := range extra {
		if !seen[r[0]] {
			seen[r[0]] = true
			refs = append(refs, r)
		}
	}
	return refs
}

func (c *Crawler) archiveFile(landID, expressionID int64) string {
	return c.cfg.ExpressionArchivePath(landID, expressionID) + ".html"
}

func (c *Crawler) writeArchive(landID, expressionID int64, html string) error {
	path := c.archiveFile(landID, expressionID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(html), 0644)
}

// readArchive returns the archived page, or "" when none was kept.
func (c *Crawler) readArchive(landID, expressionID int64) string {
	data, err := os.ReadFile(c.archiveFile(landID, expressionID))
	if err != nil {
		return ""
	}
	return string(data)
}
