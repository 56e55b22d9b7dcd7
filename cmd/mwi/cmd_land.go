package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"mywebintel/internal/crawl"
	"mywebintel/internal/heuristics"
	"mywebintel/internal/lang"
	"mywebintel/internal/store"
)

var (
	landName  string
	landDesc  string
	landLang  string
	landTerms string
	landURLs  string
	landPath  string
	landRel   float64
)

var landCmd = &cobra.Command{
	Use:   "land",
	Short: "Create and maintain research lands",
}

var landCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new land",
	RunE:  runLandCreate,
}

var landListCmd = &cobra.Command{
	Use:   "list",
	Short: "List lands with their dictionary and crawl progress",
	RunE:  runLandList,
}

var landAddTermCmd = &cobra.Command{
	Use:   "addterm",
	Short: "Add dictionary terms to a land and re-score its pages",
	RunE:  runLandAddTerm,
}

var landAddURLCmd = &cobra.Command{
	Use:   "addurl",
	Short: "Add seed URLs to a land",
	Long: `Adds expressions at depth 0 from --urls (comma separated), from a
file given with --path (one URL per line), or both.`,
	RunE: runLandAddURL,
}

var landDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a land, or its low-relevance expressions",
	Long: `Without --maxrel the whole land is deleted with everything it owns.
With --maxrel only expressions whose relevance is strictly below the
given value are removed. Both forms ask for confirmation.`,
	RunE: runLandDelete,
}

func runLandCreate(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.CreateLand(landName, landDesc, landLang); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("land \"%s\" already exists", landName)
		}
		return err
	}
	fmt.Printf("Land \"%s\" created\n", landName)
	return nil
}

func runLandList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	lands, err := st.ListLands(landName)
	if err != nil {
		return err
	}
	if len(lands) == 0 {
		fmt.Println("No land created")
		return nil
	}

	for _, land := range lands {
		fmt.Printf("%s - (%s)\n\t%s\n", land.Name, land.CreatedAt.Format("January 02 2006 15:04"), land.Description)
		fmt.Printf("\t%d terms in land dictionary [%s]\n", len(land.Terms), strings.Join(land.Terms, ", "))
		fmt.Printf("\t%d expressions in land (%d remaining to crawl)\n", land.ExpressionCount, land.RemainingToCrawl)
	}
	return nil
}

func runLandAddTerm(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	land, err := getLand(st, landName)
	if err != nil {
		return err
	}

	for _, term := range splitArg(landTerms) {
		if _, err := st.AddTerm(land.ID, term, lang.StemPhrase(term, land.Lang)); err != nil {
			return err
		}
		fmt.Printf("Term \"%s\" created in land %s\n", term, land.Name)
	}

	n, err := crawl.RescoreLand(st, land)
	if err != nil {
		return err
	}
	if n > 0 {
		fmt.Printf("Updated relevance for %d expressions\n", n)
	}
	return nil
}

func runLandAddURL(cmd *cobra.Command, args []string) error {
	if landURLs == "" && landPath == "" {
		return errors.New("nothing to add: pass --urls and/or --path")
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	land, err := getLand(st, landName)
	if err != nil {
		return err
	}

	rules, err := heuristics.Compile(cfg.Heuristics)
	if err != nil {
		return fmt.Errorf("bad heuristics configuration: %w", err)
	}

	urls := splitArg(landURLs)
	if landPath != "" {
		data, err := os.ReadFile(landPath)
		if err != nil {
			return fmt.Errorf("failed to read URL file: %w", err)
		}
		urls = append(urls, strings.Split(string(data), "\n")...)
	}

	count := 0
	for _, raw := range urls {
		u := crawl.RemoveAnchor(strings.TrimSpace(raw))
		if !crawl.IsCrawlable(u) {
			continue
		}
		name := rules.DomainName(u)
		if name == "" {
			continue
		}
		if _, err := st.UpsertExpression(land.ID, u, 0, name); err != nil {
			// URLs already claimed by another land are skipped
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return err
		}
		count++
	}
	fmt.Printf("%d URLs created in land %s\n", count, land.Name)
	return nil
}

func runLandDelete(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	land, err := getLand(st, landName)
	if err != nil {
		return err
	}

	if landRel >= 0 {
		prompt := fmt.Sprintf("Expressions with relevance lower than %v will be deleted, type 'Y' to proceed : ", landRel)
		if !confirm(prompt) {
			return nil
		}
		n, err := st.DeleteExpressionsBelowRelevance(land.ID, landRel)
		if err != nil {
			return err
		}
		fmt.Printf("%d expressions deleted\n", n)
		return nil
	}

	if !confirm("Land and underlying objects will be deleted, type 'Y' to proceed : ") {
		return nil
	}
	if err := st.DeleteLand(land.Name); err != nil {
		return err
	}
	fmt.Printf("Land %s deleted\n", land.Name)
	return nil
}

// splitArg splits a comma separated flag value, trimming blanks.
func splitArg(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func init() {
	landCreateCmd.Flags().StringVar(&landName, "name", "", "Name of the land (required)")
	landCreateCmd.Flags().StringVar(&landDesc, "desc", "", "Description of the land")
	landCreateCmd.Flags().StringVar(&landLang, "lang", "fr", "Language of the land")
	landCreateCmd.MarkFlagRequired("name")

	landListCmd.Flags().StringVar(&landName, "name", "", "Show a single land")

	landAddTermCmd.Flags().StringVar(&landName, "land", "", "Name of the land (required)")
	landAddTermCmd.Flags().StringVar(&landTerms, "terms", "", "Terms to add, comma separated (required)")
	landAddTermCmd.MarkFlagRequired("land")
	landAddTermCmd.MarkFlagRequired("terms")

	landAddURLCmd.Flags().StringVar(&landName, "land", "", "Name of the land (required)")
	landAddURLCmd.Flags().StringVar(&landURLs, "urls", "", "URLs to add, comma separated")
	landAddURLCmd.Flags().StringVar(&landPath, "path", "", "Path to a file of URLs, one per line")
	landAddURLCmd.MarkFlagRequired("land")

	landDeleteCmd.Flags().StringVar(&landName, "name", "", "Name of the land (required)")
	landDeleteCmd.Flags().Float64Var(&landRel, "maxrel", -1, "Delete only expressions below this relevance")
	landDeleteCmd.MarkFlagRequired("name")

	landCmd.AddCommand(landCreateCmd, landListCmd, landAddTermCmd, landAddURLCmd, landDeleteCmd)
}
