// Package media downloads and measures the image media discovered by
// the crawl: dimensions, formats, perceptual hashes, EXIF, dominant
// colors and simple content hints.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"golang.org/x/sync/errgroup"

	"mywebintel/internal/config"
	"mywebintel/internal/logging"
	"mywebintel/internal/store"
)

// Baseline deny list for ad, tracker and beacon URLs. Ordered; the
// first match wins and is reported in the analysis error.
var denyPatterns = []string{
	`/ads?`,
	`banner`,
	`tracking`,
	`pixel`,
	`beacon`,
	`analytics`,
	`doubleclick`,
	`googlesyndication`,
	`amazon-adsystem`,
	`facebook\.com/tr`,
	`google-analytics`,
}

var errTooLarge = errors.New("file too large")

// Stats sums up an analyzer run.
type Stats struct {
	Analyzed int
	Errors   int
	Deleted  int64
}

// Analyzer visits stored image media rows and writes their measured
// attributes back. Video and audio rows are left untouched.
type Analyzer struct {
	store  *store.Store
	cfg    *config.Config
	client *http.Client
	deny   []*regexp.Regexp
}

// New assembles an analyzer with the baseline deny list compiled.
func New(st *store.Store, cfg *config.Config) *Analyzer {
	deny := make([]*regexp.Regexp, len(denyPatterns))
	for i, p := range denyPatterns {
		deny[i] = regexp.MustCompile(p)
	}
	return &Analyzer{
		store:  st,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.GetMediaDownloadTimeout()},
		deny:   deny,
	}
}

// AnalyzeLand measures the land's image media. force re-visits rows
// already analyzed; in that mode, rows measured under the configured
// minimum size are deleted once confirm approves the count. maxDepth
// (when >= 0) and minRelevance (when > 0) filter by owning expression.
func (a *Analyzer) AnalyzeLand(ctx context.Context, land *store.Land, maxDepth, minRelevance int, force bool, confirm func(int) bool) (Stats, error) {
	var stats Stats

	rows, err := a.store.MediaToAnalyze(land.ID, maxDepth, minRelevance, force)
	if err != nil {
		return stats, err
	}
	logging.Media("[AnalyzeLand] land=%s media=%d force=%v", land.Name, len(rows), force)

	batch := a.cfg.Crawl.ParallelConnections
	if batch < 1 {
		batch = 1
	}

	timer := logging.StartTimer(logging.CategoryMedia, "analyze_land")
	defer timer.StopWithInfo()

	var undersized []int64
	for start := 0; start < len(rows); start += batch {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		end := start + batch
		if end > len(rows) {
			end = len(rows)
		}
		window := rows[start:end]
		failures := make([]error, len(window))

		g, gctx := errgroup.WithContext(ctx)
		for i, m := range window {
			g.Go(func() error {
				failures[i] = a.analyzeMedia(gctx, m)
				return nil
			})
		}
		g.Wait()

		// Writes stay on one goroutine: SQLite has a single writer.
		for i, m := range window {
			now := time.Now()
			m.AnalyzedAt = &now
			if failures[i] != nil {
				m.AnalysisError = failures[i].Error()
				logging.MediaWarn("[AnalyzeLand] media=%d url=%s err=%v", m.ID, m.URL, failures[i])
				stats.Errors++
			} else {
				m.AnalysisError = ""
				stats.Analyzed++
			}
			if err := a.store.SaveMediaAnalysis(m); err != nil {
				logging.MediaWarn("[AnalyzeLand] media=%d write err=%v", m.ID, err)
			}
			if m.Width != nil && m.Height != nil &&
				(*m.Width < a.cfg.Media.MinWidth || *m.Height < a.cfg.Media.MinHeight) {
				undersized = append(undersized, m.ID)
			}
		}
	}

	if force && len(undersized) > 0 && confirm != nil && confirm(len(undersized)) {
		deleted, err := a.store.DeleteMedia(undersized)
		if err != nil {
			return stats, err
		}
		logging.Media("[AnalyzeLand] deleted %d undersized media rows", deleted)
		stats.Deleted = deleted
	}
	return stats, nil
}

// analyzeMedia fills one row's measurement fields, or returns the
// error to record as its analysis failure.
func (a *Analyzer) analyzeMedia(ctx context.Context, m *store.Media) error {
	if pattern := a.deniedBy(m.URL); pattern != "" {
		return fmt.Errorf("url denied by filter %q", pattern)
	}
	data, err := a.download(ctx, m.URL)
	if err != nil {
		return err
	}
	return a.measure(m, data)
}

// deniedBy returns the first deny pattern matching the URL, or "".
func (a *Analyzer) deniedBy(rawURL string) string {
	for _, re := range a.deny {
		if re.MatchString(rawURL) {
			return re.String()
		}
	}
	return ""
}

// download fetches the media bytes, retrying transient failures with
// exponential backoff. Oversized files are not retried.
func (a *Analyzer) download(ctx context.Context, rawURL string) ([]byte, error) {
	maxRetries := a.cfg.Media.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(1<<uint(attempt-1)) * time.Second)
		}
		if ctx.Err() != nil {
			break
		}

		data, err := a.fetchOnce(ctx, rawURL)
		if err != nil {
			if errors.Is(err, errTooLarge) {
				return nil, err
			}
			lastErr = err
			continue
		}
		return data, nil
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, lastErr
}

func (a *Analyzer) fetchOnce(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", a.cfg.UserAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limit := a.cfg.Media.MaxFileSize
	if limit <= 0 {
		limit = 10 * 1024 * 1024
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, limit))
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if resp.ContentLength > limit {
		return nil, fmt.Errorf("%w: %d bytes announced", errTooLarge, resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: over %d bytes", errTooLarge, limit)
	}
	return data, nil
}
