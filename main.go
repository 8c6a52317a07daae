package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rare_birds/config"
	"rare_birds/httputil"
	"rare_birds/logging"
	"rare_birds/models"
	"rare_birds/observability"
	"rare_birds/scheduler"
	"rare_birds/scraper"
	"rare_birds/services"
	"rare_birds/storage"
)

// app holds everything built from config for one process.
type app struct {
	cfg     *config.Config
	clients *httputil.Clients
	metrics *observability.Metrics
	logFile *logging.RotatingWriter
	store   *storage.SQLiteStore

	// built on first use and reused across daemon ticks so the lookup
	// memos and the published-image set outlive a single run
	pipeline *scraper.Orchestrator
}

var (
	rootApp  = &app{}
	runNow   bool
	strategy string
)

var rootCmd = &cobra.Command{
	Use:   "rare_birds",
	Short: "Collect recent rare bird sightings into data/birds.json",
	Long: `rare_birds scrapes the eBird rare bird alert page (falling back to the
eBird API), locates and describes every sighting, and writes the snapshot
the map reads.`,
	SilenceUsage:       true,
	PersistentPreRunE:  func(cmd *cobra.Command, args []string) error { return rootApp.init() },
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error { return rootApp.close() },
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return rootApp.runOnce(ctx)
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the pipeline on SCRAPE_CRON or SCRAPE_INTERVAL until stopped",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sched := scheduler.New(rootApp.cfg.Scheduler, rootApp.runOnce)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		var immediate sync.WaitGroup
		if runNow {
			immediate.Add(1)
			go func() {
				defer immediate.Done()
				sched.TriggerNow(ctx)
			}()
		}

		log.Info("Daemon running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("Shutting down...")
		cancel()
		sched.Stop()
		immediate.Wait()
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent runs from the run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := rootApp.store.RecentRuns(10)
		if err != nil {
			return err
		}
		for _, r := range runs {
			fmt.Printf("%s  %s  %-9s source=%-6s found=%d saved=%d dup=%d dropped=%d errors=%d\n",
				r.StartedAt.Local().Format("2006-01-02 15:04"), shortID(r.ID), r.Status, r.SourceUsed,
				r.SightingsFound, r.SightingsSaved, r.Duplicates, r.Dropped, r.ErrorsCount)
		}
		return nil
	},
}

func (a *app) init() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.cfg = cfg

	logFile, err := logging.Setup(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		log.WithError(err).Warn("Could not set up file logging")
	} else {
		a.logFile = logFile
	}

	log.WithFields(log.Fields{
		"region":   cfg.Region.Name,
		"codes":    cfg.Region.Codes,
		"lookback": cfg.Region.LookbackDays,
		"api_key":  cfg.EBird.APIKey != "",
	}).Info("Starting rare_birds")

	a.clients = httputil.NewClients(&cfg.Proxy)
	if cfg.Proxy.URL != "" {
		log.Infof("Proxy: %s", cfg.Proxy.URL)
	}
	a.metrics = observability.NewMetrics()

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open SQLite: %w", err)
	}
	a.store = store
	log.Debugf("SQLite database: %s", cfg.DBPath)
	return nil
}

func (a *app) close() error {
	if a.store != nil {
		a.store.Close()
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return nil
}

func (a *app) source() *scraper.FallbackSource {
	return scraper.NewFallbackSource(
		scraper.NewHandler(models.SourceScrape, a.cfg, a.clients, a.metrics),
		scraper.NewHandler(models.SourceAPI, a.cfg, a.clients, a.metrics),
		a.metrics,
	)
}

func (a *app) geocoder() *services.GeoResolver {
	return services.NewGeoResolver(a.clients.Lookup, a.cfg.Geocoder, a.cfg.Region, a.metrics)
}

func (a *app) reference() *services.ReferenceLookup {
	images := services.NewImageCache(a.clients.Media, a.cfg.Paths, a.cfg.Wikipedia, a.metrics)
	return services.NewReferenceLookup(a.clients.Lookup, a.cfg.Wikipedia, a.cfg.Paths.Placeholder, a.cfg.Region.Name, images, a.metrics)
}

func (a *app) orchestrator(ctx context.Context) *scraper.Orchestrator {
	if a.pipeline != nil {
		return a.pipeline
	}

	opts := []scraper.Option{scraper.WithRunRecorder(a.store)}
	if a.cfg.S3.Bucket != "" {
		pub, err := storage.NewS3Publisher(ctx, a.cfg.S3, a.cfg.Paths)
		if err != nil {
			log.WithError(err).Warn("S3 publishing disabled")
		} else {
			opts = append(opts, scraper.WithPublisher(pub))
		}
	}

	a.pipeline = scraper.NewOrchestrator(a.cfg, a.source(), a.geocoder(), a.reference(),
		storage.NewSnapshotWriter(a.cfg.Paths.SnapshotPath()), a.metrics, opts...)
	return a.pipeline
}

// runOnce is one full batch. Only a failed snapshot write is an error.
func (a *app) runOnce(ctx context.Context) error {
	snap, stats, err := a.orchestrator(ctx).Run(ctx)
	if mErr := a.metrics.WriteTextfile(a.cfg.MetricsTextfile); mErr != nil {
		log.WithError(mErr).Warn("Failed to write metrics textfile")
	}
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"source":     stats.Source,
		"fetched":    stats.Fetched,
		"saved":      len(snap.Sightings),
		"duplicates": stats.Duplicates,
		"dropped":    stats.DroppedTotal(),
	}).Info("Run complete")
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	daemonCmd.Flags().BoolVar(&runNow, "now", false, "Run once immediately instead of waiting for the first tick")
	debugScrapeCmd.Flags().StringVar(&strategy, "strategy", "fallback", "Strategy to run: scrape, api or fallback")

	debugCmd.AddCommand(debugScrapeCmd, debugGeocodeCmd, debugReferenceCmd)
	rootCmd.AddCommand(runCmd, daemonCmd, runsCmd, debugCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
