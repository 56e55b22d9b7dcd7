package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mywebintel/internal/heuristics"
	"mywebintel/internal/logging"
)

var domainCmd = &cobra.Command{
	Use:   "domain",
	Short: "Enrich the domains discovered while crawling",
}

var domainCrawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Fetch domain home pages and extract their metadata",
	RunE:  runDomainCrawl,
}

var heuristicCmd = &cobra.Command{
	Use:   "heuristic",
	Short: "Apply the URL heuristics to stored data",
}

var heuristicUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Recompute every expression's domain from the current rules",
	RunE:  runHeuristicUpdate,
}

func runDomainCrawl(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	crawler, err := buildCrawler(st)
	if err != nil {
		return err
	}
	defer crawler.Close()

	ctx, cancel := signalContext()
	defer cancel()

	rl := logging.WithRequestID(logging.CategoryDomain, runID)
	rl.Info("domain crawl start limit=%d http=%q", pipeLimit, pipeHTTP)

	stats, err := crawler.CrawlDomains(ctx, pipeHTTP, pipeLimit)
	if err != nil {
		return err
	}
	fmt.Printf("%d domains processed (%d errors)\n", stats.Processed, stats.Errors)
	return nil
}

func runHeuristicUpdate(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	rules, err := heuristics.Compile(cfg.Heuristics)
	if err != nil {
		return fmt.Errorf("bad heuristics configuration: %w", err)
	}

	n, err := rules.UpdateDomains(st)
	if err != nil {
		return err
	}
	fmt.Printf("%d expressions updated\n", n)
	return nil
}

func init() {
	domainCrawlCmd.Flags().IntVar(&pipeLimit, "limit", 0, "Stop after this many domains")
	domainCrawlCmd.Flags().StringVar(&pipeHTTP, "http", "", "Recrawl domains with this HTTP status instead")

	domainCmd.AddCommand(domainCrawlCmd)
	heuristicCmd.AddCommand(heuristicUpdateCmd)
}
