// Command mwi manages web intelligence projects: bounded research
// lands whose pages are crawled, scored against a term dictionary and
// expanded through their links and media.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mywebintel/internal/config"
	"mywebintel/internal/logging"
	"mywebintel/internal/store"
)

var (
	// Global flags
	verbose      bool
	settingsPath string

	cfg     *config.Config
	watcher *config.Watcher
	runID   string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mwi",
	Short: "MyWebIntel command line project manager",
	Long: `mwi builds and maintains web research lands.

A land is a bounded project: a term dictionary, a set of seed URLs and
the pages discovered from them. Each verb runs one offline pass over
the land's database: crawling pending pages, refining their text with
an external extractor, re-deriving links and media, or measuring
discovered images.

Settings come from a YAML file (see --settings); MWI_* environment
variables override it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(settingsPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		// Initialize logger
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := logging.Initialize(cfg.DataLocation, settingsPath); err != nil {
			return err
		}
		runID = uuid.New().String()[:8]

		// Long verbs run for hours; the watcher lets an operator flip
		// debug logging on without restarting.
		watcher, err = config.NewWatcher(settingsPath, nil)
		if err != nil {
			logger.Warn("settings watcher unavailable", zap.Error(err))
		} else if err := watcher.Start(context.Background()); err != nil {
			logger.Warn("settings watcher failed to start", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "settings.yaml", "Path to the settings file")

	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(landCmd)
	rootCmd.AddCommand(domainCmd)
	rootCmd.AddCommand(heuristicCmd)
}

func main() {
	err := rootCmd.Execute()
	shutdown()
	if err != nil {
		// User messages go to stdout; errors are repeated on stderr.
		fmt.Println(err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(0)
	}
	// Historical exit convention: 1 reports success, 0 failure.
	os.Exit(1)
}

func shutdown() {
	if watcher != nil {
		watcher.Stop()
	}
	if logger != nil {
		_ = logger.Sync()
	}
	logging.CloseAll()
}

// openStore opens the project database under the configured data
// location. Callers close it.
func openStore() (*store.Store, error) {
	return store.Open(cfg.DatabasePath())
}

// getLand resolves a land name, turning the store sentinel into a
// user-facing message.
func getLand(st *store.Store, name string) (*store.Land, error) {
	land, err := st.GetLand(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("land \"%s\" not found", name)
		}
		return nil, err
	}
	return land, nil
}

// confirm asks the operator to type an explicit 'Y' before a
// destructive action. Anything else declines.
func confirm(prompt string) bool {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(input) == "Y"
}

// signalContext returns a context cancelled on SIGINT or SIGTERM, so
// in-flight batches finish their writes and stop.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()
	return ctx, cancel
}
