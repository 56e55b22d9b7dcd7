package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mywebintel/internal/crawl"
	"mywebintel/internal/fetch"
	"mywebintel/internal/gate"
	"mywebintel/internal/heuristics"
	"mywebintel/internal/logging"
	"mywebintel/internal/media"
	"mywebintel/internal/readable"
	"mywebintel/internal/store"
)

var (
	pipeLimit  int
	pipeDepth  int
	pipeHTTP   string
	pipeMerge  string
	pipeMinRel int
	pipeForce  bool
)

var landCrawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Fetch pending expressions and expand the land",
	Long: `Fetches every uncrawled expression in relevance-then-depth order,
scores the pages against the land dictionary and records outbound
links and media. Pages that died on the live web are retried through
the Internet Archive. Interrupt with Ctrl-C; finished batches stay
written.`,
	RunE: runLandCrawl,
}

var landReadableCmd = &cobra.Command{
	Use:   "readable",
	Short: "Refine fetched pages with the readable extractor",
	Long: `Runs the configured extraction pipeline over fetched expressions and
merges the result into the stored fields according to --merge:
mercury overwrites, preserve only fills gaps, smart_merge keeps the
longer and richer content.`,
	RunE: runLandReadable,
}

var landConsolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Re-score fetched expressions and repair their links and media",
	RunE:  runLandConsolidate,
}

var landMediAnalyseCmd = &cobra.Command{
	Use:   "medianalyse",
	Short: "Download and measure the land's image media",
	RunE:  runLandMediAnalyse,
}

// buildGate returns the relevance gate, or nil when OpenRouter is disabled.
func buildGate() *gate.Gate {
	if !cfg.OpenRouter.Enabled {
		return nil
	}
	gc := gate.DefaultConfig(cfg.OpenRouter.APIKey)
	if cfg.OpenRouter.Model != "" {
		gc.Model = cfg.OpenRouter.Model
	}
	gc.Timeout = cfg.GetGateTimeout()
	if cfg.OpenRouter.ReadableMaxChars > 0 {
		gc.MaxChars = cfg.OpenRouter.ReadableMaxChars
	}
	if cfg.OpenRouter.MaxCallsPerRun > 0 {
		gc.MaxCalls = cfg.OpenRouter.MaxCallsPerRun
	}
	return gate.New(gc)
}

// buildCrawler assembles the fetch pipeline from the loaded settings.
func buildCrawler(st *store.Store) (*crawl.Crawler, error) {
	rules, err := heuristics.Compile(cfg.Heuristics)
	if err != nil {
		return nil, fmt.Errorf("bad heuristics configuration: %w", err)
	}

	fetcher := fetch.New(fetch.Options{
		UserAgent:         cfg.UserAgent,
		Timeout:           cfg.GetRequestTimeout(),
		Archive:           true,
		RequestsPerSecond: cfg.Crawl.RequestsPerSecond,
	})

	return crawl.New(st, cfg, fetcher, rules, buildGate()), nil
}

func runLandCrawl(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	land, err := getLand(st, landName)
	if err != nil {
		return err
	}

	crawler, err := buildCrawler(st)
	if err != nil {
		return err
	}
	defer crawler.Close()

	if pipeLimit > 0 {
		fmt.Printf("Fetch limit is set to %d URLs\n", pipeLimit)
	}

	ctx, cancel := signalContext()
	defer cancel()

	rl := logging.WithRequestID(logging.CategoryCrawl, runID)
	rl.Info("land crawl start land=%s limit=%d http=%q depth=%d", land.Name, pipeLimit, pipeHTTP, pipeDepth)

	stats, err := crawler.CrawlLand(ctx, land, pipeLimit, pipeHTTP, pipeDepth)
	if err != nil {
		return err
	}
	fmt.Printf("%d expressions processed (%d errors)\n", stats.Processed, stats.Errors)
	return nil
}

func runLandReadable(cmd *cobra.Command, args []string) error {
	strategy, err := readable.ParseStrategy(pipeMerge)
	if err != nil {
		return err
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

	ctx, cancel := signalContext()
	defer cancel()

	rl := logging.WithRequestID(logging.CategoryReadable, runID)
	rl.Info("land readable start land=%s merge=%s limit=%d", land.Name, strategy, pipeLimit)

	stats, err := readable.New(st, cfg, rules, buildGate()).RefineLand(ctx, land, strategy, pipeLimit, pipeDepth)
	if err != nil {
		return err
	}
	fmt.Printf("%d expressions processed (%d errors)\n", stats.Processed, stats.Errors)
	fmt.Printf("%d updated, %d skipped\n", stats.Updated, stats.Skipped)
	return nil
}

func runLandConsolidate(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	land, err := getLand(st, landName)
	if err != nil {
		return err
	}

	crawler, err := buildCrawler(st)
	if err != nil {
		return err
	}
	defer crawler.Close()

	ctx, cancel := signalContext()
	defer cancel()

	rl := logging.WithRequestID(logging.CategoryConsolidate, runID)
	rl.Info("land consolidate start land=%s limit=%d depth=%d", land.Name, pipeLimit, pipeDepth)

	stats, err := crawler.ConsolidateLand(ctx, land, pipeLimit, pipeDepth)
	if err != nil {
		return err
	}
	fmt.Printf("%d expressions consolidated (%d errors)\n", stats.Processed, stats.Errors)
	return nil
}

func runLandMediAnalyse(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	land, err := getLand(st, landName)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	rl := logging.WithRequestID(logging.CategoryMedia, runID)
	rl.Info("land medianalyse start land=%s depth=%d minrel=%d force=%v", land.Name, pipeDepth, pipeMinRel, pipeForce)

	ask := func(n int) bool {
		return confirm(fmt.Sprintf("%d media below minimum size will be deleted, type 'Y' to proceed : ", n))
	}
	stats, err := media.New(st, cfg).AnalyzeLand(ctx, land, pipeDepth, pipeMinRel, pipeForce, ask)
	if err != nil {
		return err
	}
	fmt.Printf("%d media analyzed (%d errors)\n", stats.Analyzed, stats.Errors)
	if stats.Deleted > 0 {
		fmt.Printf("%d undersized media deleted\n", stats.Deleted)
	}
	return nil
}

func init() {
	landCrawlCmd.Flags().StringVar(&landName, "name", "", "Name of the land (required)")
	landCrawlCmd.Flags().IntVar(&pipeLimit, "limit", 0, "Stop after this many fetches")
	landCrawlCmd.Flags().StringVar(&pipeHTTP, "http", "", "Recrawl expressions with this HTTP status instead")
	landCrawlCmd.Flags().IntVar(&pipeDepth, "depth", -1, "Only crawl expressions at this depth or less")
	landCrawlCmd.MarkFlagRequired("name")

	landReadableCmd.Flags().StringVar(&landName, "name", "", "Name of the land (required)")
	landReadableCmd.Flags().IntVar(&pipeLimit, "limit", 0, "Stop after this many extractions")
	landReadableCmd.Flags().IntVar(&pipeDepth, "depth", -1, "Only refine expressions at this depth or less")
	landReadableCmd.Flags().StringVar(&pipeMerge, "merge", string(readable.MergeSmart), "Merge strategy: mercury_priority, preserve_existing or smart_merge")
	landReadableCmd.MarkFlagRequired("name")

	landConsolidateCmd.Flags().StringVar(&landName, "name", "", "Name of the land (required)")
	landConsolidateCmd.Flags().IntVar(&pipeLimit, "limit", 0, "Stop after this many expressions")
	landConsolidateCmd.Flags().IntVar(&pipeDepth, "depth", -1, "Only consolidate expressions at this depth or less")
	landConsolidateCmd.MarkFlagRequired("name")

	landMediAnalyseCmd.Flags().StringVar(&landName, "name", "", "Name of the land (required)")
	landMediAnalyseCmd.Flags().IntVar(&pipeDepth, "depth", -1, "Only analyze media from expressions at this depth or less")
	landMediAnalyseCmd.Flags().IntVar(&pipeMinRel, "minrel", 0, "Only analyze media from expressions at this relevance or more")
	landMediAnalyseCmd.Flags().BoolVar(&pipeForce, "force", false, "Reanalyze everything and delete undersized media")
	landMediAnalyseCmd.MarkFlagRequired("name")

	landCmd.AddCommand(landCrawlCmd, landReadableCmd, landConsolidateCmd, landMediAnalyseCmd)
}
