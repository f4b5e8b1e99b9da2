// envwatch polls public environmental monitoring APIs, detects anomalies,
// clusters them into incidents and persists them across document, vector
// and graph stores.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/envwatch/envwatch/internal/cluster"
	"github.com/envwatch/envwatch/internal/compose"
	"github.com/envwatch/envwatch/internal/config"
	"github.com/envwatch/envwatch/internal/cycle"
	"github.com/envwatch/envwatch/internal/detect"
	"github.com/envwatch/envwatch/internal/logging"
	"github.com/envwatch/envwatch/internal/metrics"
	"github.com/envwatch/envwatch/internal/models"
	"github.com/envwatch/envwatch/internal/rainfall"
	"github.com/envwatch/envwatch/internal/storage/graphstore"
	"github.com/envwatch/envwatch/internal/storage/mongostore"
	"github.com/envwatch/envwatch/internal/storage/vectorstore"
	"github.com/envwatch/envwatch/pkg/ea"
	"github.com/envwatch/envwatch/pkg/registers"
	"github.com/envwatch/envwatch/pkg/retry"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "envwatch",
		Short:         "Environmental anomaly detection pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop()
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "once",
			Short: "Run a single detection cycle and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runOnce()
			},
		},
		&cobra.Command{
			Use:   "sync-stations",
			Short: "Refresh the station metadata directory from the upstream APIs",
			RunE: func(cmd *cobra.Command, args []string) error {
				return syncStations()
			},
		},
		&cobra.Command{
			Use:   "incidents",
			Short: "List incidents created in the last 24 hours",
			RunE: func(cmd *cobra.Command, args []string) error {
				return printIncidents()
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Print run statistics and recent cycles",
			RunE: func(cmd *cobra.Command, args []string) error {
				return printStats()
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(version)
			},
		},
	)

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Component: "envwatch"})
	return cfg, nil
}

func runLoop() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch, thresholds, cleanup, err := buildOrchestrator(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.ThresholdsFile != "" {
		watcher, err := config.NewThresholdsWatcher(cfg.ThresholdsFile, thresholds)
		if err != nil {
			log.Warn().Err(err).Msg("Thresholds file watcher unavailable, using static table")
		} else if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Thresholds file watcher failed to start, using static table")
		} else {
			defer watcher.Stop()
		}
	}

	metrics.Serve(cfg.MetricsAddr)

	scheduler := &cycle.Scheduler{Interval: cfg.ScheduleInterval, Orchestrator: orch}
	scheduler.Run(ctx)
	return nil
}

func runOnce() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch, _, cleanup, err := buildOrchestrator(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	runLog := orch.RunCycle(ctx)
	if runLog.Aborted {
		return fmt.Errorf("cycle aborted: %s", runLog.AbortCause)
	}
	return nil
}

// buildOrchestrator connects the stores and assembles the pipeline. Mongo
// is mandatory; the vector and graph stores are optional and the pipeline
// degrades to document-only persistence when they are unreachable.
func buildOrchestrator(ctx context.Context, cfg *config.Config) (*cycle.Orchestrator, *config.Thresholds, func(), error) {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	documents, err := mongostore.Connect(connectCtx, cfg.MongoURI, cfg.MongoDatabase, cfg.DedupWindow)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("document store: %w", err)
	}
	if err := documents.EnsureIndexes(connectCtx); err != nil {
		return nil, nil, nil, fmt.Errorf("document store indexes: %w", err)
	}

	var vectors cycle.VectorStore
	var vectorsClose func()
	embedder := vectorstore.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingBaseURL)
	if vs, err := vectorstore.Connect(connectCtx, cfg.PostgresDSN, embedder, cfg.EmbeddingDim); err != nil {
		log.Warn().Err(err).Msg("Vector store unavailable, continuing without similarity index")
	} else if err := vs.EnsureSchema(connectCtx); err != nil {
		log.Warn().Err(err).Msg("Vector schema setup failed, continuing without similarity index")
		vs.Close()
	} else {
		vectors = vs
		vectorsClose = vs.Close
	}

	var graph cycle.GraphStore
	var graphClose func()
	if gs, err := graphstore.Connect(connectCtx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword); err != nil {
		log.Warn().Err(err).Msg("Graph store unavailable, continuing without graph projection")
	} else if err := gs.EnsureSchema(connectCtx); err != nil {
		log.Warn().Err(err).Msg("Graph schema setup failed, continuing without graph projection")
		gs.Close(context.Background())
	} else {
		graph = gs
		graphClose = func() { gs.Close(context.Background()) }
	}

	thresholds, err := loadThresholds(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	var detector detect.Detector
	if cfg.Detector == "zscore" {
		detector = detect.NewZScoreDetector(cfg.ZScoreCutoff)
	} else {
		detector = detect.NewThresholdDetector(thresholds)
	}

	var summariser compose.Summariser
	if cfg.Summariser == "llm" {
		summariser = compose.NewLLMSummariser(cfg.OpenAIAPIKey, cfg.LLMModel, cfg.LLMBaseURL)
	}
	composer := compose.New(summariser,
		cfg.PriorityHighFraction, cfg.PriorityMediumFraction,
		cfg.MaxReadingsPerIncident, cfg.MaxPermitsPerIncident)

	factory := newClientFactory(cfg, documents)

	orch := cycle.New(cycle.Options{
		Factory:   factory,
		Detector:  detector,
		Clusterer: cluster.New(cfg.SpatialRadiusKm, cfg.TemporalWindow, cfg.MinClusterSize),
		Rainfall: rainfall.New(cfg.RainfallRadiusKm, cfg.RainfallWindow,
			cfg.RainfallHeavyMm, cfg.RainfallModerateMm),
		Composer:           composer,
		Documents:          documents,
		Vectors:            vectors,
		Graph:              graph,
		PermitRadiusKm:     cfg.PermitSearchRadiusKm,
		MaxClusterFanout:   cfg.MaxClusterFanout,
		CycleDeadline:      cfg.CycleDeadline,
		SimilarityK:        cfg.SimilarityK,
		SimilarityMinScore: cfg.SimilarityMinScore,
		SimilarEdgeScore:   cfg.SimilarEdgeScore,
	})

	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if vectorsClose != nil {
			vectorsClose()
		}
		if graphClose != nil {
			graphClose()
		}
		if err := documents.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("Document store close failed")
		}
	}
	return orch, thresholds, cleanup, nil
}

func loadThresholds(cfg *config.Config) (*config.Thresholds, error) {
	if cfg.ThresholdsFile == "" {
		return config.DefaultThresholds(), nil
	}
	values, err := config.LoadThresholdsFile(cfg.ThresholdsFile)
	if err != nil {
		return nil, fmt.Errorf("load thresholds: %w", err)
	}
	return config.NewThresholds(values), nil
}

// newClientFactory builds the per-cycle upstream clients. Fresh clients
// per cycle let the cycle's counter attribute every API call to its run
// log.
func newClientFactory(cfg *config.Config, stations ea.StationDirectory) cycle.ClientFactory {
	httpClient := &http.Client{Timeout: cfg.FetchTimeout}
	backoff := retry.DefaultConfig()
	geocoder := registers.NewGeocoder(cfg.GeocodeBaseURL, nil, nil)

	return func(counter *cycle.Counter) cycle.Clients {
		newFetcher := func(source models.Source, parameter, baseURL string) *ea.Fetcher {
			return &ea.Fetcher{
				Source:      source,
				Parameter:   parameter,
				BaseURL:     baseURL,
				Stations:    stations,
				HTTPClient:  httpClient,
				MaxAttempts: cfg.FetchMaxAttempts,
				Backoff:     backoff,
				Counter:     counter,
				Timeout:     cfg.FetchTimeout,
			}
		}

		permits := registers.NewClient(registers.Options{
			BaseURL:     cfg.PermitsBaseURL,
			Geocoder:    geocoder,
			Counter:     counter,
			MaxAttempts: 2,
			Backoff:     backoff,
			Timeout:     cfg.PermitTimeout,
		})

		return cycle.Clients{
			Fetchers: map[models.Source]cycle.Fetcher{
				models.SourceFlood:     newFetcher(models.SourceFlood, "level", cfg.FloodBaseURL),
				models.SourceHydrology: newFetcher(models.SourceHydrology, "waterLevel", cfg.HydrologyBaseURL),
				models.SourceRainfall:  newFetcher(models.SourceRainfall, "rainfall", cfg.RainfallBaseURL),
			},
			Permits: permits,
		}
	}
}

// syncStations refreshes the station directory: flood stations feed both
// the flood and (where they measure rainfall) the rainfall sources, and
// hydrology stations feed the hydrology source.
func syncStations() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.DedupWindow)
	if err != nil {
		return fmt.Errorf("document store: %w", err)
	}
	defer store.Close(context.Background())

	httpClient := &http.Client{Timeout: cfg.FetchTimeout}

	floodFetcher := &ea.Fetcher{Source: models.SourceFlood, BaseURL: cfg.FloodBaseURL, HTTPClient: httpClient}
	floodRecords, err := floodFetcher.ListStations(ctx)
	if err != nil {
		return err
	}

	var stations []models.Station
	for _, r := range floodRecords {
		stations = append(stations, r.ToStation(models.SourceFlood))
		if r.MeasuresParameter("rainfall") {
			stations = append(stations, r.ToStation(models.SourceRainfall))
		}
	}

	hydrologyFetcher := &ea.Fetcher{Source: models.SourceHydrology, BaseURL: cfg.HydrologyBaseURL, HTTPClient: httpClient}
	hydrologyRecords, err := hydrologyFetcher.ListStations(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Hydrology station sync failed, keeping existing records")
	} else {
		for _, r := range hydrologyRecords {
			stations = append(stations, r.ToStation(models.SourceHydrology))
		}
	}

	n, err := store.BulkUpsertStations(ctx, stations)
	if err != nil {
		return err
	}
	total, err := store.CountStations(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("synced", n).Int64("directory_size", total).Msg("Station directory synced")
	return nil
}

func printIncidents() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.DedupWindow)
	if err != nil {
		return fmt.Errorf("document store: %w", err)
	}
	defer store.Close(context.Background())

	incidents, err := store.RecentIncidents(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		return err
	}
	for _, inc := range incidents {
		fmt.Printf("%s  [%s/%s]  %s\n",
			inc.CreatedAt.Format(time.RFC3339), inc.Priority, inc.SourceKind, inc.Summary)
	}
	if len(incidents) == 0 {
		fmt.Println("no incidents in the last 24 hours")
	}
	return nil
}

func printStats() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.DedupWindow)
	if err != nil {
		return fmt.Errorf("document store: %w", err)
	}
	defer store.Close(context.Background())

	stats, err := store.Statistics(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Runs: %d\nIncidents created: %d\nDuplicates suppressed: %d\nAvg cycle: %.1fs\n",
		stats.TotalRuns, stats.TotalIncidents, stats.TotalDuplicates, stats.AvgDurationSeconds)

	runs, err := store.RecentRuns(ctx, 5)
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Printf("%s  %s  clusters=%d created=%d duplicate=%d errors=%d\n",
			r.StartedAt.Format(time.RFC3339), r.RunID,
			r.ClustersFound, r.IncidentsCreated, r.IncidentsDuplicate, len(r.Errors))
	}
	return nil
}
