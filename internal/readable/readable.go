// Package readable upgrades crawled expressions with the output of an
// external mercury-compatible extractor, merging the richer fields
// into the store under a configurable strategy.
package readable

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"golang.org/x/sync/errgroup"

	"mywebintel/internal/config"
	"mywebintel/internal/crawl"
	"mywebintel/internal/gate"
	"mywebintel/internal/heuristics"
	"mywebintel/internal/lang"
	"mywebintel/internal/logging"
	"mywebintel/internal/store"
)

// MergeStrategy selects how extractor output is combined with the
// fields already in the store.
type MergeStrategy string

const (
	// MergeMercury lets extractor fields win whenever they are non-empty.
	MergeMercury MergeStrategy = "mercury_priority"
	// MergePreserve keeps existing fields and only fills gaps.
	MergePreserve MergeStrategy = "preserve_existing"
	// MergeSmart keeps the longer title and description, always prefers
	// extractor text, and fills author and date only when missing.
	MergeSmart MergeStrategy = "smart_merge"
)

// ParseStrategy validates a strategy name from the command line.
func ParseStrategy(s string) (MergeStrategy, error) {
	switch MergeStrategy(s) {
	case MergeMercury, MergePreserve, MergeSmart:
		return MergeStrategy(s), nil
	}
	return "", fmt.Errorf("unknown merge strategy %q", s)
}

// Stats sums up a refinement run.
type Stats struct {
	Processed int // extractions that succeeded
	Updated   int // of those, expressions whose fields changed
	Skipped   int // succeeded but nothing new
	Errors    int // extractor failed after retries
}

// CommandRunner executes the extractor binary and returns its stdout.
// Swappable in tests.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Refiner drives readable extraction for a database.
type Refiner struct {
	store   *store.Store
	cfg     *config.Config
	rules   *heuristics.Set
	gate    *gate.Gate
	runner  CommandRunner
	gateOff bool
}

// New assembles a refiner using the configured extractor command.
// The gate may be nil; re-scores then keep their lexical value.
func New(st *store.Store, cfg *config.Config, rules *heuristics.Set, g *gate.Gate) *Refiner {
	return &Refiner{store: st, cfg: cfg, rules: rules, gate: g, runner: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// extraction mirrors the JSON document mercury-compatible extractors
// print per URL.
type extraction struct {
	Title         string `json:"title"`
	Content       string `json:"content"`
	Author        string `json:"author"`
	DatePublished string `json:"date_published"`
	LeadImageURL  string `json:"lead_image_url"`
	Excerpt       string `json:"excerpt"`
	WordCount     int    `json:"word_count"`
	Direction     string `json:"direction"`
	Error         bool   `json:"error"`
	Message       string `json:"message"`
}

// RefineLand runs the extractor over the land's approved expressions
// and merges the output under the given strategy. limit (when > 0)
// caps the selection and maxDepth (when >= 0) restricts it.
func (r *Refiner) RefineLand(ctx context.Context, land *store.Land, strategy MergeStrategy, limit, maxDepth int) (Stats, error) {
	var stats Stats

	if strings.TrimSpace(r.cfg.Readable.ExtractorCommand) == "" {
		return stats, errors.New("no readable extractor configured")
	}

	lemmas, err := r.store.LandLemmas(land.ID)
	if err != nil {
		return stats, err
	}
	scorer := lang.NewScorer(lemmas, land.Lang)
	landCtx := gate.LandContext{Name: land.Name, Description: land.Description, Lang: land.Lang, Terms: lemmas}

	expressions, err := r.store.ExpressionsForReadable(land.ID, maxDepth, limit)
	if err != nil {
		return stats, err
	}
	logging.Readable("[RefineLand] land=%s pending=%d strategy=%s", land.Name, len(expressions), strategy)

	batch := r.cfg.Readable.BatchSize
	if batch < 1 {
		batch = 1
	}

	timer := logging.StartTimer(logging.CategoryReadable, "refine_land")
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
		results := make([]*extraction, len(window))
		failures := make([]error, len(window))

		g, gctx := errgroup.WithContext(ctx)
		for i, e := range window {
			g.Go(func() error {
				results[i], failures[i] = r.extract(gctx, e.URL)
				return nil
			})
		}
		g.Wait()

		// Writes stay on one goroutine: SQLite has a single writer.
		for i, e := range window {
			if failures[i] != nil {
				logging.ReadableError("[RefineLand] expression=%d url=%s err=%v", e.ID, e.URL, failures[i])
				stats.Errors++
				continue
			}
			changed, err := r.apply(ctx, land, landCtx, e, results[i], strategy, scorer)
			if err != nil {
				logging.ReadableError("[RefineLand] expression=%d write err=%v", e.ID, err)
				stats.Errors++
				continue
			}
			stats.Processed++
			if changed {
				stats.Updated++
			} else {
				stats.Skipped++
			}
		}
	}
	return stats, nil
}

// extract runs the extractor for one URL, retrying failures with
// exponential backoff.
func (r *Refiner) extract(ctx context.Context, rawURL string) (*extraction, error) {
	parts := strings.Fields(r.cfg.Readable.ExtractorCommand)
	args := append(parts[1:], rawURL, "--format=markdown", "--extract-media", "--extract-links")

	maxRetries := r.cfg.Readable.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(1<<uint(attempt-1)) * time.Second)
		}
		if ctx.Err() != nil {
			break
		}

		ext, err := r.runOnce(ctx, parts[0], args)
		if err != nil {
			lastErr = err
			logging.ReadableDebug("[extract] url=%s attempt=%d err=%v", rawURL, attempt+1, err)
			continue
		}
		return ext, nil
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, fmt.Errorf("extractor failed: %w", lastErr)
}

func (r *Refiner) runOnce(ctx context.Context, name string, args []string) (*extraction, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.GetReadableTimeout())
	defer cancel()

	out, err := r.runner(attemptCtx, name, args...)
	if err != nil {
		return nil, err
	}
	var ext extraction
	if err := json.Unmarshal(out, &ext); err != nil {
		return nil, fmt.Errorf("failed to parse extractor output: %w", err)
	}
	if ext.Error {
		return nil, fmt.Errorf("extractor error: %s", ext.Message)
	}
	return &ext, nil
}

// apply merges one extraction into the store. ReadableAt is stamped
// only when the merge changed a field; relevance is recomputed only
// when the readable text itself changed. A page left unapproved after
// the re-score contributes no links or media to the graph.
func (r *Refiner) apply(ctx context.Context, land *store.Land, landCtx gate.LandContext, e *store.Expression, ext *extraction, strategy MergeStrategy, scorer *lang.Scorer) (bool, error) {
	m := mergeFields(e, ext, strategy)

	changed := m.title != e.Title ||
		m.description != e.Description ||
		m.readable != e.Readable ||
		m.author != e.Author ||
		!sameTime(m.publishedAt, e.PublishedAt)
	readableChanged := m.readable != e.Readable

	e.Title = m.title
	e.Description = m.description
	e.Author = m.author
	e.PublishedAt = m.publishedAt
	e.Readable = m.readable

	now := time.Now()
	if changed {
		e.ReadableAt = &now
	}

	if readableChanged {
		e.Relevance = r.reviewRelevance(ctx, landCtx, e, scorer.Score(e.Lang, e.Title, e.Readable))
		if e.Relevance > 0 {
			if e.ApprovedAt == nil {
				e.ApprovedAt = &now
			}
		} else {
			e.ApprovedAt = nil
		}
	}

	if err := r.store.SaveExpression(e); err != nil {
		return false, err
	}

	if e.ApprovedAt == nil {
		return changed, nil
	}

	base, err := url.Parse(e.URL)
	if err != nil {
		return changed, nil
	}

	links, refs := crawl.ExtractMarkdownRefs(e.Readable, base)
	refs = withLeadImage(refs, ext.LeadImageURL)
	if err := r.store.ReplaceMediaForExpression(e.ID, refs); err != nil {
		logging.ReadableError("[apply] media replace expression=%d err=%v", e.ID, err)
	}

	if e.Depth < r.cfg.Crawl.MaxDepth && len(links) > 0 {
		r.replaceLinks(land, e, links)
	}
	return changed, nil
}

// reviewRelevance runs the LLM gate over freshly scored pages, the
// same way the crawler does. A "non" zeroes the score; gate failures
// and an exhausted budget keep the lexical score.
func (r *Refiner) reviewRelevance(ctx context.Context, landCtx gate.LandContext, e *store.Expression, relevance int) int {
	if relevance <= 0 || r.gate == nil || r.gateOff {
		return relevance
	}
	page := gate.PageContext{URL: e.URL, Title: e.Title, Description: e.Description, Readable: e.Readable}
	relevant, err := r.gate.Review(ctx, landCtx, page)
	if err != nil {
		if errors.Is(err, gate.ErrBudgetExhausted) {
			r.gateOff = true
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

// replaceLinks rebuilds the expression's outbound edges from extractor
// links, upserting targets one level deeper. URLs claimed by another
// land are skipped; the old edges survive when nothing resolves.
func (r *Refiner) replaceLinks(land *store.Land, e *store.Expression, links []string) {
	targets := make([]int64, 0, len(links))
	for _, link := range links {
		name := r.rules.DomainName(link)
		if name == "" {
			continue
		}
		child, err := r.store.UpsertExpression(land.ID, link, e.Depth+1, name)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			logging.ReadableError("[replaceLinks] url=%s err=%v", link, err)
			continue
		}
		targets = append(targets, child.ID)
	}
	if len(targets) == 0 {
		return
	}
	if err := r.store.ReplaceLinks(e.ID, targets); err != nil {
		logging.ReadableError("[replaceLinks] expression=%d err=%v", e.ID, err)
	}
}

// withLeadImage appends the extractor's lead image unless the markdown
// already referenced it.
func withLeadImage(refs [][2]string, lead string) [][2]string {
	lead = strings.TrimSpace(lead)
	if lead == "" || strings.HasPrefix(lead, "data:") {
		return refs
	}
	for _, ref := range refs {
		if ref[0] == lead {
			return refs
		}
	}
	return append(refs, [2]string{lead, store.MediaImage})
}

// merged holds the field values chosen by a strategy before writeback.
type merged struct {
	title       string
	description string
	readable    string
	author      string
	publishedAt *time.Time
}

func mergeFields(e *store.Expression, ext *extraction, strategy MergeStrategy) merged {
	fresh := merged{
		title:       strings.TrimSpace(ext.Title),
		description: strings.TrimSpace(ext.Excerpt),
		readable:    strings.TrimSpace(ext.Content),
		author:      strings.TrimSpace(ext.Author),
		publishedAt: parsePublished(ext.DatePublished),
	}
	old := merged{
		title:       e.Title,
		description: e.Description,
		readable:    e.Readable,
		author:      e.Author,
		publishedAt: e.PublishedAt,
	}

	switch strategy {
	case MergePreserve:
		return merged{
			title:       pick(old.title, fresh.title),
			description: pick(old.description, fresh.description),
			readable:    pick(old.readable, fresh.readable),
			author:      pick(old.author, fresh.author),
			publishedAt: pickTime(old.publishedAt, fresh.publishedAt),
		}
	case MergeSmart:
		return merged{
			title:       longer(old.title, fresh.title),
			description: longer(old.description, fresh.description),
			readable:    pick(fresh.readable, old.readable),
			author:      pick(old.author, fresh.author),
			publishedAt: pickTime(old.publishedAt, fresh.publishedAt),
		}
	default: // mercury_priority
		return merged{
			title:       pick(fresh.title, old.title),
			description: pick(fresh.description, old.description),
			readable:    pick(fresh.readable, old.readable),
			author:      pick(fresh.author, old.author),
			publishedAt: pickTime(fresh.publishedAt, old.publishedAt),
		}
	}
}

// pick returns first unless it is empty.
func pick(first, second string) string {
	if first != "" {
		return first
	}
	return second
}

func pickTime(first, second *time.Time) *time.Time {
	if first != nil {
		return first
	}
	return second
}

// longer keeps whichever version carries more text, existing winning
// ties.
func longer(old, fresh string) string {
	if len(fresh) > len(old) {
		return fresh
	}
	return old
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Extractor dates arrive in a few shapes depending on the source page.
var publishedLayouts = []string{
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05Z",
	"2006-01-02",
}

func parsePublished(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range publishedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	if t, err := dateparse.ParseAny(s); err == nil {
		return &t
	}
	return nil
}
