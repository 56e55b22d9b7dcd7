package readable

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"mywebintel/internal/config"
	"mywebintel/internal/gate"
	"mywebintel/internal/heuristics"
	"mywebintel/internal/lang"
	"mywebintel/internal/store"
)

// TestMain ensures the refiner leaks no goroutines across a run.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const extractorJSON = `{
	"title": "Pollution et asthme: le dossier complet",
	"content": "La pollution aggrave l'asthme. Voir [la suite](/suite) et ![fumee](/img/fumee.png).",
	"author": "Jeanne Martin",
	"date_published": "2024-03-01T10:00:00.000Z",
	"lead_image_url": "https://cdn.example.com/lead.jpg",
	"excerpt": "Un dossier complet sur la pollution urbaine et ses effets.",
	"word_count": 12,
	"direction": "ltr",
	"error": false
}`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataLocation = t.TempDir()
	cfg.Readable.ExtractorCommand = "mercury-parser"
	cfg.Readable.BatchSize = 2
	cfg.Readable.MaxRetries = 1
	return cfg
}

func newTestRefiner(t *testing.T, cfg *config.Config) (*Refiner, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	rules, err := heuristics.Compile(config.DefaultHeuristics())
	if err != nil {
		t.Fatalf("Failed to compile heuristics: %v", err)
	}
	return New(st, cfg, rules, nil), st
}

func seedLand(t *testing.T, st *store.Store, terms ...string) *store.Land {
	t.Helper()
	land, err := st.CreateLand("test", "terrain d'essai", "fr")
	if err != nil {
		t.Fatalf("CreateLand failed: %v", err)
	}
	for _, term := range terms {
		if _, err := st.AddTerm(land.ID, term, lang.StemPhrase(term, land.Lang)); err != nil {
			t.Fatalf("AddTerm failed: %v", err)
		}
	}
	return land
}

// seedApproved stores an expression the way the crawler leaves a
// relevant page: fetched, scored and approved, never refined.
func seedApproved(t *testing.T, st *store.Store, land *store.Land, rawURL string, depth int) *store.Expression {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("Bad seed URL: %v", err)
	}
	e, err := st.UpsertExpression(land.ID, rawURL, depth, u.Hostname())
	if err != nil {
		t.Fatalf("UpsertExpression failed: %v", err)
	}
	now := time.Now()
	e.HTTPStatus = "200"
	e.Lang = "fr"
	e.Title = "Pollution en ville"
	e.Description = "Ancienne description"
	e.Readable = "La pollution urbaine en bref."
	e.Relevance = 11
	e.FetchedAt = &now
	e.ApprovedAt = &now
	if err := st.SaveExpression(e); err != nil {
		t.Fatalf("SaveExpression failed: %v", err)
	}
	return e
}

func staticRunner(out string) CommandRunner {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(out), nil
	}
}

func TestParseStrategy(t *testing.T) {
	for _, name := range []string{"mercury_priority", "preserve_existing", "smart_merge"} {
		got, err := ParseStrategy(name)
		if err != nil || string(got) != name {
			t.Errorf("ParseStrategy(%q) = %q, %v", name, got, err)
		}
	}
	if _, err := ParseStrategy("bogus"); err == nil {
		t.Error("ParseStrategy accepted an unknown name")
	}
}

func TestParsePublished(t *testing.T) {
	tests := []struct {
		in   string
		want string // "" means nil
	}{
		{"2024-03-01T10:00:00.000Z", "2024-03-01"},
		{"2024-03-01T10:00:00Z", "2024-03-01"},
		{"2024-03-01", "2024-03-01"},
		{"March 1, 2024", "2024-03-01"},
		{"", ""},
		{"n/a", ""},
	}
	for _, tt := range tests {
		got := parsePublished(tt.in)
		if tt.want == "" {
			if got != nil {
				t.Errorf("parsePublished(%q) = %v, want nil", tt.in, got)
			}
			continue
		}
		if got == nil || got.Format("2006-01-02") != tt.want {
			t.Errorf("parsePublished(%q) = %v, want %s", tt.in, got, tt.want)
		}
	}
}

func TestMergeFields(t *testing.T) {
	existing := &store.Expression{
		Title:       "Titre court",
		Description: "Description existante sensiblement plus longue",
		Readable:    "ancien texte",
	}
	ext := &extraction{
		Title:         "Titre nettement plus long que le premier",
		Excerpt:       "Court",
		Content:       "nouveau texte",
		Author:        "Jeanne Martin",
		DatePublished: "2024-03-01",
	}

	t.Run("mercury_priority", func(t *testing.T) {
		m := mergeFields(existing, ext, MergeMercury)
		if m.title != ext.Title || m.description != "Court" || m.readable != "nouveau texte" {
			t.Errorf("merged = %+v", m)
		}
		if m.author != "Jeanne Martin" || m.publishedAt == nil {
			t.Errorf("author/date = %q %v", m.author, m.publishedAt)
		}
	})

	t.Run("mercury_priority keeps existing on empty", func(t *testing.T) {
		m := mergeFields(existing, &extraction{}, MergeMercury)
		if m.title != existing.Title || m.readable != existing.Readable {
			t.Errorf("merged = %+v", m)
		}
	})

	t.Run("preserve_existing", func(t *testing.T) {
		m := mergeFields(existing, ext, MergePreserve)
		if m.title != existing.Title || m.description != existing.Description || m.readable != existing.Readable {
			t.Errorf("merged = %+v", m)
		}
		// Gaps are still filled
		if m.author != "Jeanne Martin" || m.publishedAt == nil {
			t.Errorf("author/date = %q %v", m.author, m.publishedAt)
		}
	})

	t.Run("smart_merge", func(t *testing.T) {
		m := mergeFields(existing, ext, MergeSmart)
		if m.title != ext.Title {
			t.Errorf("title = %q, want the longer fresh one", m.title)
		}
		if m.description != existing.Description {
			t.Errorf("description = %q, want the longer existing one", m.description)
		}
		if m.readable != "nouveau texte" {
			t.Errorf("readable = %q, want extractor text", m.readable)
		}
		if m.author != "Jeanne Martin" || m.publishedAt == nil {
			t.Errorf("author/date = %q %v", m.author, m.publishedAt)
		}
	})
}

func TestWithLeadImage(t *testing.T) {
	refs := [][2]string{{"https://example.com/a.png", store.MediaImage}}

	got := withLeadImage(refs, "https://cdn.example.com/lead.jpg")
	if len(got) != 2 || got[1][0] != "https://cdn.example.com/lead.jpg" {
		t.Errorf("Refs = %v", got)
	}
	if got := withLeadImage(refs, "https://example.com/a.png"); len(got) != 1 {
		t.Errorf("Duplicate lead image appended: %v", got)
	}
	if got := withLeadImage(refs, "data:image/png;base64,xx"); len(got) != 1 {
		t.Errorf("data: lead image appended: %v", got)
	}
	if got := withLeadImage(nil, ""); len(got) != 0 {
		t.Errorf("Empty lead produced refs: %v", got)
	}
}

func TestRefineLandMercuryPriority(t *testing.T) {
	r, st := newTestRefiner(t, testConfig(t))
	land := seedLand(t, st, "pollution", "asthme")
	e := seedApproved(t, st, land, "https://example.com/articles/un", 0)

	var gotArgs atomic.Value
	r.runner = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if name != "mercury-parser" {
			t.Errorf("Command = %q", name)
		}
		gotArgs.Store(args)
		return []byte(extractorJSON), nil
	}

	stats, err := r.RefineLand(context.Background(), land, MergeMercury, 0, -1)
	if err != nil {
		t.Fatalf("RefineLand failed: %v", err)
	}
	if stats.Processed != 1 || stats.Updated != 1 || stats.Errors != 0 {
		t.Errorf("Stats = %+v", stats)
	}

	args := gotArgs.Load().([]string)
	want := []string{"https://example.com/articles/un", "--format=markdown", "--extract-media", "--extract-links"}
	if len(args) != len(want) {
		t.Fatalf("Args = %v", args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("Args[%d] = %q, want %q", i, args[i], want[i])
		}
	}

	got, err := st.GetExpression(e.ID)
	if err != nil {
		t.Fatalf("GetExpression failed: %v", err)
	}
	if got.Title != "Pollution et asthme: le dossier complet" {
		t.Errorf("Title = %q", got.Title)
	}
	if got.Description != "Un dossier complet sur la pollution urbaine et ses effets." {
		t.Errorf("Description = %q", got.Description)
	}
	if got.Author != "Jeanne Martin" {
		t.Errorf("Author = %q", got.Author)
	}
	if got.PublishedAt == nil {
		t.Error("PublishedAt not set")
	}
	if got.ReadableAt == nil {
		t.Error("ReadableAt not set")
	}
	if got.Relevance <= 0 {
		t.Errorf("Relevance = %d, want rescored > 0", got.Relevance)
	}

	// The markdown link became a pending child one level deeper
	pending, err := st.ExpressionsToCrawl(land.ID, "", -1, 0)
	if err != nil {
		t.Fatalf("ExpressionsToCrawl failed: %v", err)
	}
	if len(pending) != 1 || pending[0].URL != "https://example.com/suite" || pending[0].Depth != 1 {
		t.Errorf("Pending = %+v", pending)
	}
	links, _ := st.CountLinks(e.ID)
	if links != 1 {
		t.Errorf("Links = %d, want 1", links)
	}

	// Markdown image plus the lead image
	media, err := st.MediaForExpression(e.ID)
	if err != nil {
		t.Fatalf("MediaForExpression failed: %v", err)
	}
	urls := make(map[string]bool, len(media))
	for _, m := range media {
		if m.Type != store.MediaImage {
			t.Errorf("Media type = %q", m.Type)
		}
		urls[m.URL] = true
	}
	if len(media) != 2 || !urls["https://example.com/img/fumee.png"] || !urls["https://cdn.example.com/lead.jpg"] {
		t.Errorf("Media = %v", urls)
	}
}

func TestRefineLandPreserveExisting(t *testing.T) {
	r, st := newTestRefiner(t, testConfig(t))
	land := seedLand(t, st, "pollution")
	e := seedApproved(t, st, land, "https://example.com/articles/un", 0)
	e.Author = "Rédaction"
	if err := st.SaveExpression(e); err != nil {
		t.Fatalf("SaveExpression failed: %v", err)
	}
	r.runner = staticRunner(extractorJSON)

	stats, err := r.RefineLand(context.Background(), land, MergePreserve, 0, -1)
	if err != nil {
		t.Fatalf("RefineLand failed: %v", err)
	}
	// Text fields were already filled; only the empty date landed
	if stats.Processed != 1 || stats.Updated != 1 {
		t.Errorf("Stats = %+v", stats)
	}

	got, _ := st.GetExpression(e.ID)
	if got.Title != "Pollution en ville" {
		t.Errorf("Title = %q, want existing kept", got.Title)
	}
	if got.Description != "Ancienne description" {
		t.Errorf("Description = %q, want existing kept", got.Description)
	}
	if got.Readable != "La pollution urbaine en bref." {
		t.Errorf("Readable = %q, want existing kept", got.Readable)
	}
	if got.Author != "Rédaction" {
		t.Errorf("Author = %q, want existing kept", got.Author)
	}
	if got.PublishedAt == nil {
		t.Error("Empty PublishedAt not filled")
	}
	if got.ReadableAt == nil {
		t.Error("ReadableAt not set")
	}
}

func TestRefineLandSkippedWhenUnchanged(t *testing.T) {
	r, st := newTestRefiner(t, testConfig(t))
	land := seedLand(t, st, "pollution")
	e := seedApproved(t, st, land, "https://example.com/articles/un", 0)
	e.Author = "Rédaction"
	published := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	e.PublishedAt = &published
	if err := st.SaveExpression(e); err != nil {
		t.Fatalf("SaveExpression failed: %v", err)
	}
	r.runner = staticRunner(extractorJSON)

	stats, err := r.RefineLand(context.Background(), land, MergePreserve, 0, -1)
	if err != nil {
		t.Fatalf("RefineLand failed: %v", err)
	}
	if stats.Processed != 1 || stats.Skipped != 1 || stats.Updated != 0 {
		t.Errorf("Stats = %+v, want 1 skipped", stats)
	}

	got, _ := st.GetExpression(e.ID)
	if got.ReadableAt != nil {
		t.Error("ReadableAt stamped although nothing was written")
	}
	if got.Relevance != 11 {
		t.Errorf("Relevance = %d, want untouched when text is unchanged", got.Relevance)
	}
}

func TestRefineLandRetries(t *testing.T) {
	cfg := testConfig(t)
	cfg.Readable.MaxRetries = 2
	r, st := newTestRefiner(t, cfg)
	land := seedLand(t, st, "pollution")
	seedApproved(t, st, land, "https://example.com/articles/un", 0)

	var calls atomic.Int64
	r.runner = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient failure")
		}
		return []byte(extractorJSON), nil
	}

	stats, err := r.RefineLand(context.Background(), land, MergeMercury, 0, -1)
	if err != nil {
		t.Fatalf("RefineLand failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Runner calls = %d, want a retry", calls.Load())
	}
	if stats.Processed != 1 || stats.Errors != 0 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestRefineLandFailureKeepsQueue(t *testing.T) {
	r, st := newTestRefiner(t, testConfig(t))
	land := seedLand(t, st, "pollution")
	e := seedApproved(t, st, land, "https://example.com/articles/un", 0)
	r.runner = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("extractor crashed")
	}

	stats, err := r.RefineLand(context.Background(), land, MergeMercury, 0, -1)
	if err != nil {
		t.Fatalf("RefineLand failed: %v", err)
	}
	if stats.Errors != 1 || stats.Processed != 0 {
		t.Errorf("Stats = %+v, want 1 error", stats)
	}

	got, _ := st.GetExpression(e.ID)
	if got.ReadableAt != nil {
		t.Error("Failed extraction stamped ReadableAt")
	}
	if got.Title != "Pollution en ville" {
		t.Errorf("Title = %q, want untouched", got.Title)
	}

	// Still first in line for the next run
	queue, _ := st.ExpressionsForReadable(land.ID, -1, 0)
	if len(queue) != 1 || queue[0].ID != e.ID {
		t.Errorf("Queue = %+v", queue)
	}
}

func TestRefineLandExtractorErrorFlag(t *testing.T) {
	r, st := newTestRefiner(t, testConfig(t))
	land := seedLand(t, st, "pollution")
	seedApproved(t, st, land, "https://example.com/articles/un", 0)
	r.runner = staticRunner(`{"error": true, "message": "resource not fetchable"}`)

	stats, err := r.RefineLand(context.Background(), land, MergeMercury, 0, -1)
	if err != nil {
		t.Fatalf("RefineLand failed: %v", err)
	}
	if stats.Errors != 1 {
		t.Errorf("Stats = %+v, want the error payload counted as a failure", stats)
	}
}

func TestRefineLandClearsApproval(t *testing.T) {
	r, st := newTestRefiner(t, testConfig(t))
	land := seedLand(t, st, "pollution")
	e := seedApproved(t, st, land, "https://example.com/articles/un", 0)
	r.runner = staticRunner(`{"title": "Recette", "content": "Une recette sans rapport. Voir [la suite](/suite) et ![photo](/img/plat.png).", "error": false}`)

	if _, err := r.RefineLand(context.Background(), land, MergeMercury, 0, -1); err != nil {
		t.Fatalf("RefineLand failed: %v", err)
	}

	got, _ := st.GetExpression(e.ID)
	if got.Relevance != 0 {
		t.Errorf("Relevance = %d, want 0 after off-topic text", got.Relevance)
	}
	if got.ApprovedAt != nil {
		t.Error("Approval survived a zero score")
	}
	if got.ReadableAt == nil {
		t.Error("ReadableAt not set")
	}

	// A page that lost its approval stops feeding the graph
	pending, _ := st.ExpressionsToCrawl(land.ID, "", -1, 0)
	if len(pending) != 0 {
		t.Errorf("Pending = %d, want no children from an off-topic page", len(pending))
	}
	media, _ := st.MediaForExpression(e.ID)
	if len(media) != 0 {
		t.Errorf("Media = %d rows, want 0", len(media))
	}
}

func newVerdictServer(t *testing.T, calls *atomic.Int64, verdict string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":"%s"}}]}`, verdict)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRefineLandGateVeto(t *testing.T) {
	srv := newVerdictServer(t, nil, "non")

	gcfg := gate.DefaultConfig("test-key")
	gcfg.BaseURL = srv.URL
	g := gate.New(gcfg)
	t.Cleanup(g.CloseIdleConnections)

	r, st := newTestRefiner(t, testConfig(t))
	r.gate = g
	land := seedLand(t, st, "pollution", "asthme")
	e := seedApproved(t, st, land, "https://example.com/articles/un", 0)
	r.runner = staticRunner(extractorJSON)

	if _, err := r.RefineLand(context.Background(), land, MergeMercury, 0, -1); err != nil {
		t.Fatalf("RefineLand failed: %v", err)
	}

	got, _ := st.GetExpression(e.ID)
	if got.Relevance != 0 {
		t.Errorf("Relevance = %d, want 0 after gate rejection", got.Relevance)
	}
	if got.ApprovedAt != nil {
		t.Error("Gate-rejected page kept its approval")
	}
	if got.ReadableAt == nil {
		t.Error("ReadableAt not set")
	}

	// No expansion from a vetoed page, even though the extractor
	// returned a link, a markdown image and a lead image
	pending, _ := st.ExpressionsToCrawl(land.ID, "", -1, 0)
	if len(pending) != 0 {
		t.Errorf("Pending = %d, want no children from a vetoed page", len(pending))
	}
	links, _ := st.CountLinks(e.ID)
	if links != 0 {
		t.Errorf("Links = %d, want 0", links)
	}
	media, _ := st.MediaForExpression(e.ID)
	if len(media) != 0 {
		t.Errorf("Media = %d rows, want 0", len(media))
	}
}

func TestRefineLandGateBudget(t *testing.T) {
	var verdictCalls atomic.Int64
	srv := newVerdictServer(t, &verdictCalls, "non")

	gcfg := gate.DefaultConfig("test-key")
	gcfg.BaseURL = srv.URL
	gcfg.MaxCalls = 1
	g := gate.New(gcfg)
	t.Cleanup(g.CloseIdleConnections)

	r, st := newTestRefiner(t, testConfig(t))
	r.gate = g
	land := seedLand(t, st, "pollution", "asthme")
	first := seedApproved(t, st, land, "https://example.com/articles/premier", 0)
	second := seedApproved(t, st, land, "https://example.com/articles/second", 0)
	r.runner = staticRunner(extractorJSON)

	if _, err := r.RefineLand(context.Background(), land, MergeMercury, 0, -1); err != nil {
		t.Fatalf("RefineLand failed: %v", err)
	}

	e1, _ := st.GetExpression(first.ID)
	if e1.Relevance != 0 {
		t.Errorf("First relevance = %d, want gated to 0", e1.Relevance)
	}
	// Budget spent: the second keeps its lexical score
	e2, _ := st.GetExpression(second.ID)
	if e2.Relevance <= 0 {
		t.Errorf("Second relevance = %d, want lexical score kept", e2.Relevance)
	}
	if verdictCalls.Load() != 1 {
		t.Errorf("Verdict API calls = %d, want 1", verdictCalls.Load())
	}
}

func TestRefineLandDepthCapSkipsLinks(t *testing.T) {
	cfg := testConfig(t)
	r, st := newTestRefiner(t, cfg)
	land := seedLand(t, st, "pollution", "asthme")
	e := seedApproved(t, st, land, "https://example.com/articles/un", cfg.Crawl.MaxDepth)
	r.runner = staticRunner(extractorJSON)

	if _, err := r.RefineLand(context.Background(), land, MergeMercury, 0, -1); err != nil {
		t.Fatalf("RefineLand failed: %v", err)
	}

	pending, _ := st.ExpressionsToCrawl(land.ID, "", -1, 0)
	if len(pending) != 0 {
		t.Errorf("Pending = %d, want no children past the depth cap", len(pending))
	}
	links, _ := st.CountLinks(e.ID)
	if links != 0 {
		t.Errorf("Links = %d, want 0", links)
	}
	media, _ := st.MediaForExpression(e.ID)
	if len(media) == 0 {
		t.Error("Media skipped at depth cap")
	}
}

func TestRefineLandHonorsLimit(t *testing.T) {
	r, st := newTestRefiner(t, testConfig(t))
	land := seedLand(t, st, "pollution")
	for i := 0; i < 4; i++ {
		seedApproved(t, st, land, fmt.Sprintf("https://example.com/articles/p%d", i), 0)
	}

	var calls atomic.Int64
	r.runner = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls.Add(1)
		return []byte(extractorJSON), nil
	}

	stats, err := r.RefineLand(context.Background(), land, MergeMercury, 2, -1)
	if err != nil {
		t.Fatalf("RefineLand failed: %v", err)
	}
	if stats.Processed != 2 || calls.Load() != 2 {
		t.Errorf("Stats = %+v calls = %d, want limit 2", stats, calls.Load())
	}
}

func TestRefineLandRequiresCommand(t *testing.T) {
	cfg := testConfig(t)
	cfg.Readable.ExtractorCommand = ""
	r, st := newTestRefiner(t, cfg)
	land := seedLand(t, st, "pollution")

	if _, err := r.RefineLand(context.Background(), land, MergeMercury, 0, -1); err == nil {
		t.Error("RefineLand ran without an extractor command")
	}
}

func TestRefineLandCancelled(t *testing.T) {
	r, st := newTestRefiner(t, testConfig(t))
	land := seedLand(t, st, "pollution")
	seedApproved(t, st, land, "https://example.com/articles/un", 0)
	r.runner = staticRunner(extractorJSON)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.RefineLand(ctx, land, MergeMercury, 0, -1); err == nil {
		t.Error("RefineLand ignored cancelled context")
	}
}
