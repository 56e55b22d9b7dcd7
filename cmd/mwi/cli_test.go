package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mywebintel/internal/config"
	"mywebintel/internal/store"
)

// setupCLI points the global CLI state at a throwaway data directory.
func setupCLI(t *testing.T) {
	t.Helper()
	logger = zap.NewNop()
	cfg = config.DefaultConfig()
	cfg.DataLocation = t.TempDir()
	runID = "testrun0"
	resetFlagVars()
}

func resetFlagVars() {
	landName, landDesc, landLang = "", "", "fr"
	landTerms, landURLs, landPath = "", "", ""
	landRel = -1
	pipeLimit, pipeMinRel = 0, 0
	pipeDepth = -1
	pipeHTTP, pipeMerge = "", ""
	pipeForce = false
}

// feedStdin replaces os.Stdin with a pipe carrying the given input, so
// confirmation prompts read a scripted answer.
func feedStdin(t *testing.T, input string) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	old := os.Stdin
	os.Stdin = r
	t.Cleanup(func() {
		os.Stdin = old
		r.Close()
	})
	if _, err := w.WriteString(input); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestLandCreateCmd(t *testing.T) {
	setupCLI(t)
	cmd := &cobra.Command{}

	landName = "asthme"
	landDesc = "pollution et asthme"
	if err := runLandCreate(cmd, nil); err != nil {
		t.Fatalf("runLandCreate failed: %v", err)
	}

	// Second create with the same name must refuse
	err := runLandCreate(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("duplicate create: got %v, want already exists", err)
	}

	st := openTestStore(t)
	land, err := st.GetLand("asthme")
	if err != nil {
		t.Fatalf("land was not persisted: %v", err)
	}
	if land.Description != "pollution et asthme" || land.Lang != "fr" {
		t.Errorf("unexpected land row: %+v", land)
	}
}

func TestLandListCmd(t *testing.T) {
	setupCLI(t)
	cmd := &cobra.Command{}

	// Empty database lists nothing but succeeds
	if err := runLandList(cmd, nil); err != nil {
		t.Fatalf("runLandList on empty db failed: %v", err)
	}

	landName = "climat"
	if err := runLandCreate(cmd, nil); err != nil {
		t.Fatal(err)
	}
	landName = ""
	if err := runLandList(cmd, nil); err != nil {
		t.Fatalf("runLandList failed: %v", err)
	}
}

func TestLandAddTermCmd(t *testing.T) {
	setupCLI(t)
	cmd := &cobra.Command{}

	landName = "sante"
	if err := runLandCreate(cmd, nil); err != nil {
		t.Fatal(err)
	}

	landTerms = "pollution de l'air, asthme"
	if err := runLandAddTerm(cmd, nil); err != nil {
		t.Fatalf("runLandAddTerm failed: %v", err)
	}

	st := openTestStore(t)
	land, err := st.GetLand("sante")
	if err != nil {
		t.Fatal(err)
	}
	terms, err := st.LandTerms(land.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(terms) != 2 {
		t.Errorf("got %d terms, want 2: %v", len(terms), terms)
	}

	landName = "nope"
	err = runLandAddTerm(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("unknown land: got %v, want not found", err)
	}
}

func TestLandAddURLCmd(t *testing.T) {
	setupCLI(t)
	cmd := &cobra.Command{}

	landName = "urls"
	if err := runLandCreate(cmd, nil); err != nil {
		t.Fatal(err)
	}

	err := runLandAddURL(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "nothing to add") {
		t.Errorf("no sources: got %v, want nothing to add", err)
	}

	// Blank lines and non-http schemes must be dropped, anchors stripped
	file := filepath.Join(t.TempDir(), "urls.txt")
	content := "https://example.org/a\nhttps://example.org/b#section\n\nmailto:someone@example.org\n"
	if err := os.WriteFile(file, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	landURLs = "https://example.com/seed"
	landPath = file
	if err := runLandAddURL(cmd, nil); err != nil {
		t.Fatalf("runLandAddURL failed: %v", err)
	}

	st := openTestStore(t)
	lands, err := st.ListLands("urls")
	if err != nil {
		t.Fatal(err)
	}
	if len(lands) != 1 {
		t.Fatalf("got %d lands, want 1", len(lands))
	}
	if lands[0].ExpressionCount != 3 {
		t.Errorf("got %d expressions, want 3", lands[0].ExpressionCount)
	}
}

func TestLandDeleteCmd(t *testing.T) {
	setupCLI(t)
	cmd := &cobra.Command{}

	landName = "jetable"
	if err := runLandCreate(cmd, nil); err != nil {
		t.Fatal(err)
	}
	landURLs = "https://example.org/a, https://example.org/b"
	if err := runLandAddURL(cmd, nil); err != nil {
		t.Fatal(err)
	}

	// Relevance pruning keeps the land itself
	landRel = 1.5
	feedStdin(t, "Y\n")
	if err := runLandDelete(cmd, nil); err != nil {
		t.Fatalf("runLandDelete (maxrel) failed: %v", err)
	}
	st := openTestStore(t)
	lands, err := st.ListLands("jetable")
	if err != nil {
		t.Fatal(err)
	}
	if len(lands) != 1 || lands[0].ExpressionCount != 0 {
		t.Fatalf("expected surviving empty land, got %+v", lands)
	}
	st.Close()

	// Declined confirmation leaves everything alone
	landRel = -1
	feedStdin(t, "n\n")
	if err := runLandDelete(cmd, nil); err != nil {
		t.Fatalf("runLandDelete (declined) failed: %v", err)
	}
	st = openTestStore(t)
	if _, err := st.GetLand("jetable"); err != nil {
		t.Fatalf("land should survive a declined delete: %v", err)
	}
	st.Close()

	feedStdin(t, "Y\n")
	if err := runLandDelete(cmd, nil); err != nil {
		t.Fatalf("runLandDelete failed: %v", err)
	}
	st = openTestStore(t)
	if _, err := st.GetLand("jetable"); err == nil {
		t.Error("land still present after delete")
	}
}

func TestDbSetupCmd(t *testing.T) {
	setupCLI(t)
	cmd := &cobra.Command{}

	feedStdin(t, "no\n")
	if err := runDbSetup(cmd, nil); err != nil {
		t.Fatalf("declined setup should not error: %v", err)
	}

	feedStdin(t, "Y\n")
	if err := runDbSetup(cmd, nil); err != nil {
		t.Fatalf("runDbSetup failed: %v", err)
	}
	if _, err := os.Stat(cfg.DatabasePath()); err != nil {
		t.Errorf("database file missing after setup: %v", err)
	}
}

func TestHeuristicUpdateCmd(t *testing.T) {
	setupCLI(t)
	cmd := &cobra.Command{}

	if err := runHeuristicUpdate(cmd, nil); err != nil {
		t.Fatalf("runHeuristicUpdate failed: %v", err)
	}
}

func TestSplitArg(t *testing.T) {
	if got := splitArg(""); got != nil {
		t.Errorf("splitArg(\"\") = %v, want nil", got)
	}
	got := splitArg("a, b ,,c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("splitArg = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("splitArg[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
