package crawl

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/sync/errgroup"

	"mywebintel/internal/fetch"
	"mywebintel/internal/logging"
	"mywebintel/internal/store"
)

// CrawlDomains enriches pending domain rows with homepage metadata.
// Every attempted domain gets a status and fetch time, even when the
// homepage is unreachable.
func (c *Crawler) CrawlDomains(ctx context.Context, httpFilter string, limit int) (Stats, error) {
	var stats Stats

	domains, err := c.store.DomainsToCrawl(httpFilter, limit)
	if err != nil {
		return stats, err
	}
	logging.Domain("[CrawlDomains] pending=%d filter=%q", len(domains), httpFilter)

	batch := c.cfg.Crawl.ParallelConnections
	if batch < 1 {
		batch = 1
	}

	for start := 0; start < len(domains); start += batch {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		end := start + batch
		if end > len(domains) {
			end = len(domains)
		}
		window := domains[start:end]
		results := make([]fetch.Result, len(window))

		g, gctx := errgroup.WithContext(ctx)
		for i, d := range window {
			g.Go(func() error {
				results[i] = c.fetchDomain(gctx, d.Name)
				return nil
			})
		}
		g.Wait()

		for i, d := range window {
			// An aborted fetch is not an outcome; the row stays queued.
			if results[i].Cancelled {
				continue
			}
			if err := c.enrichDomain(d, results[i]); err != nil {
				logging.Domain("[CrawlDomains] domain=%s err=%v", d.Name, err)
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

// fetchDomain tries the homepage over https, then http. Domain keys
// produced by heuristics may carry a path, which works unchanged here.
func (c *Crawler) fetchDomain(ctx context.Context, name string) fetch.Result {
	res := c.fetcher.Page(ctx, "https://"+name)
	if res.HTML != "" || res.Cancelled {
		return res
	}
	if alt := c.fetcher.Page(ctx, "http://"+name); alt.HTML != "" || alt.Cancelled {
		return alt
	}
	return res
}

// enrichDomain fills title, description and keywords from homepage
// meta tags, with a readability pass as fallback when the page
// declares nothing.
func (c *Crawler) enrichDomain(d *store.Domain, res fetch.Result) error {
	now := time.Now()
	d.HTTPStatus = res.Status
	d.FetchedAt = &now

	if res.HTML != "" {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.HTML)); err == nil {
			meta := extractMeta(doc)
			d.Title = meta.Title
			d.Description = meta.Description
			d.Keywords = meta.Keywords
		}
		if d.Title == "" || d.Description == "" {
			c.enrichFromReadability(d, res)
		}
		logging.DomainDebug("[enrichDomain] domain=%s title=%q", d.Name, d.Title)
	}
	return c.store.SaveDomain(d)
}

func (c *Crawler) enrichFromReadability(d *store.Domain, res fetch.Result) {
	u, err := url.Parse(res.URL)
	if err != nil {
		return
	}
	article, err := readability.FromReader(strings.NewReader(res.HTML), u)
	if err != nil {
		return
	}
	if d.Title == "" {
		d.Title = strings.TrimSpace(article.Title)
	}
	if d.Description == "" {
		d.Description = strings.Join(strings.Fields(article.Excerpt), " ")
	}
}
