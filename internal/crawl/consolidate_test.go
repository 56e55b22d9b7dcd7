package crawl

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"mywebintel/internal/lang"
	"mywebintel/internal/store"
)

func TestExtractMarkdownRefs(t *testing.T) {
	base, _ := url.Parse("https://example.com/article")
	text := `La pollution persiste. Voir [la suite](https://example.com/suite) ` +
		`et [ce rapport](/rapport.pdf "titre") ` +
		`ainsi que ![fumée](https://example.com/fumee.png "usine") ` +
		`et ![inline](data:image/png;base64,AAA=) ` +
		`et encore [la suite](https://example.com/suite).`

	links, refs := ExtractMarkdownRefs(text, base)

	if len(links) != 1 || links[0] != "https://example.com/suite" {
		t.Errorf("Links = %v", links)
	}
	if len(refs) != 1 || refs[0] != [2]string{"https://example.com/fumee.png", store.MediaImage} {
		t.Errorf("Refs = %v", refs)
	}
}

func TestExtractMarkdownRefsResolvesRelative(t *testing.T) {
	base, _ := url.Parse("https://example.com/articles/un")
	links, refs := ExtractMarkdownRefs("Voir [deux](/articles/deux) et ![img](../img/a.png)", base)

	if len(links) != 1 || links[0] != "https://example.com/articles/deux" {
		t.Errorf("Links = %v", links)
	}
	if len(refs) != 1 || refs[0][0] != "https://example.com/img/a.png" {
		t.Errorf("Refs = %v", refs)
	}
}

func seedFetched(t *testing.T, st *store.Store, land *store.Land, rawURL, title, readable string) *store.Expression {
	t.Helper()
	e := seedExpression(t, st, land, rawURL, 0)
	now := time.Now()
	e.HTTPStatus = "200"
	e.Title = title
	e.Lang = "fr"
	e.Readable = readable
	e.FetchedAt = &now
	if err := st.SaveExpression(e); err != nil {
		t.Fatalf("SaveExpression failed: %v", err)
	}
	return e
}

func TestConsolidateFromMarkdown(t *testing.T) {
	c, st := newTestCrawler(t, testConfig(t), nil)
	land := seedLand(t, st, "pollution")

	e := seedFetched(t, st, land, "https://example.com/article",
		"La pollution",
		"La pollution persiste. Voir [la suite](https://example.com/suite) et ![fumée](https://example.com/fumee.png)")

	stats, err := c.ConsolidateLand(context.Background(), land, 0, -1)
	if err != nil {
		t.Fatalf("ConsolidateLand failed: %v", err)
	}
	if stats.Processed != 1 || stats.Errors != 0 {
		t.Errorf("Stats = %+v", stats)
	}

	got, _ := st.GetExpression(e.ID)
	if got.Relevance <= 0 {
		t.Errorf("Relevance = %d, want > 0", got.Relevance)
	}
	if got.ApprovedAt == nil {
		t.Fatal("Relevant expression not approved")
	}

	pending, _ := st.ExpressionsToCrawl(land.ID, "", -1, 0)
	if len(pending) != 1 || pending[0].URL != "https://example.com/suite" || pending[0].Depth != 1 {
		t.Errorf("Pending = %+v", pending)
	}
	links, _ := st.CountLinks(e.ID)
	if links != 1 {
		t.Errorf("Links = %d, want 1", links)
	}
	media, _ := st.MediaForExpression(e.ID)
	if len(media) != 1 || media[0].URL != "https://example.com/fumee.png" {
		t.Errorf("Media = %+v", media)
	}
}

func TestConsolidateClearsStaleApproval(t *testing.T) {
	c, st := newTestCrawler(t, testConfig(t), nil)
	land := seedLand(t, st, "pollution")

	e := seedFetched(t, st, land, "https://example.com/ancien", "Sans rapport", "Un texte sans les termes du projet.")
	now := time.Now()
	e.Relevance = 7
	e.ApprovedAt = &now
	if err := st.SaveExpression(e); err != nil {
		t.Fatalf("SaveExpression failed: %v", err)
	}

	if _, err := c.ConsolidateLand(context.Background(), land, 0, -1); err != nil {
		t.Fatalf("ConsolidateLand failed: %v", err)
	}

	got, _ := st.GetExpression(e.ID)
	if got.Relevance != 0 {
		t.Errorf("Relevance = %d, want 0", got.Relevance)
	}
	if got.ApprovedAt != nil {
		t.Error("Stale approval not cleared")
	}
}

func TestConsolidateKeepsApprovalTimestamp(t *testing.T) {
	c, st := newTestCrawler(t, testConfig(t), nil)
	land := seedLand(t, st, "pollution")

	e := seedFetched(t, st, land, "https://example.com/article", "La pollution", "La pollution en ville.")
	approved := time.Now().Add(-time.Hour)
	e.Relevance = 10
	e.ApprovedAt = &approved
	if err := st.SaveExpression(e); err != nil {
		t.Fatalf("SaveExpression failed: %v", err)
	}

	if _, err := c.ConsolidateLand(context.Background(), land, 0, -1); err != nil {
		t.Fatalf("ConsolidateLand failed: %v", err)
	}

	got, _ := st.GetExpression(e.ID)
	if got.ApprovedAt == nil {
		t.Fatal("Approval lost")
	}
	if diff := cmp.Diff(approved, *got.ApprovedAt, cmpopts.EquateApproxTime(time.Second)); diff != "" {
		t.Errorf("Approval timestamp moved (-want +got):\n%s", diff)
	}
}

func TestRescoreLandAppliesNewTerms(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	land := seedLand(t, st, "pollution")
	e := seedFetched(t, st, land, "https://example.com/asthme", "L'asthme", "L'asthme des enfants en ville.")

	n, err := RescoreLand(st, land)
	if err != nil || n != 1 {
		t.Fatalf("RescoreLand = %d, %v", n, err)
	}
	got, _ := st.GetExpression(e.ID)
	if got.Relevance != 0 || got.ApprovedAt != nil {
		t.Errorf("Expression scored %d before its term exists", got.Relevance)
	}

	if _, err := st.AddTerm(land.ID, "asthme", lang.StemPhrase("asthme", land.Lang)); err != nil {
		t.Fatalf("AddTerm failed: %v", err)
	}
	if _, err := RescoreLand(st, land); err != nil {
		t.Fatalf("RescoreLand failed: %v", err)
	}

	got, _ = st.GetExpression(e.ID)
	if got.Relevance <= 0 {
		t.Errorf("Relevance = %d, want > 0", got.Relevance)
	}
	if got.ApprovedAt == nil {
		t.Error("Rescored expression not approved")
	}
}

func TestConsolidatePrefersArchive(t *testing.T) {
	cfg := testConfig(t)
	cfg.Archive = true
	c, st := newTestCrawler(t, cfg, nil)
	land := seedLand(t, st, "pollution")

	// The refined markdown and the archived page disagree; the archive wins
	e := seedFetched(t, st, land, "https://example.com/article",
		"La pollution",
		"La pollution. [markdown](https://example.com/markdown-cible)")
	archived := `<html><body>
<p>La pollution archivée.</p>
<a href="https://example.com/archive-cible">cible</a>
<img src="https://example.com/archive.png">
</body></html>`
	if err := c.writeArchive(land.ID, e.ID, archived); err != nil {
		t.Fatalf("writeArchive failed: %v", err)
	}

	if _, err := c.ConsolidateLand(context.Background(), land, 0, -1); err != nil {
		t.Fatalf("ConsolidateLand failed: %v", err)
	}

	pending, _ := st.ExpressionsToCrawl(land.ID, "", -1, 0)
	if len(pending) != 1 || pending[0].URL != "https://example.com/archive-cible" {
		t.Errorf("Pending = %+v, want the archived link only", pending)
	}
	media, _ := st.MediaForExpression(e.ID)
	if len(media) != 1 || media[0].URL != "https://example.com/archive.png" {
		t.Errorf("Media = %+v", media)
	}
}
