// Package cycle orchestrates one detection cycle: fetch, detect, cluster,
// enrich, compose, persist, log.
package cycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/envwatch/envwatch/internal/cluster"
	"github.com/envwatch/envwatch/internal/compose"
	"github.com/envwatch/envwatch/internal/detect"
	"github.com/envwatch/envwatch/internal/metrics"
	"github.com/envwatch/envwatch/internal/models"
	"github.com/envwatch/envwatch/internal/rainfall"
	"github.com/envwatch/envwatch/internal/storage/vectorstore"
)

// AbortCauseCancelled is recorded when a cycle is cut short by shutdown or
// deadline.
const AbortCauseCancelled = "CycleAborted"

// Fetcher pulls the latest readings for one source.
type Fetcher interface {
	FetchLatest(ctx context.Context) ([]models.Reading, error)
}

// PermitSearcher finds regulated sites near a point.
type PermitSearcher interface {
	SearchNear(ctx context.Context, centroidLat, centroidLon float64, easting, northing int, radiusKm float64) ([]models.Permit, error)
}

// Clients are the upstream API handles for one cycle, built fresh so their
// call counts land in that cycle's run log.
type Clients struct {
	Fetchers map[models.Source]Fetcher
	Permits  PermitSearcher
}

// ClientFactory builds the cycle's upstream clients around its counter.
type ClientFactory func(counter *Counter) Clients

// DocumentStore is the durable incident and run-log store.
type DocumentStore interface {
	StoreIfNew(ctx context.Context, incident models.Incident) (bool, string, error)
	RecordRunLog(ctx context.Context, runLog models.RunLog) error
}

// VectorStore is the similarity index.
type VectorStore interface {
	EmbedAndStore(ctx context.Context, incident models.Incident) error
	Query(ctx context.Context, text string, k int, minScore float64) ([]vectorstore.Match, error)
}

// GraphStore is the graph projection.
type GraphStore interface {
	Ingest(ctx context.Context, incident models.Incident) error
	LinkSimilar(ctx context.Context, incidentID, similarID string, score float64) error
}

// Options wires an orchestrator.
type Options struct {
	Factory   ClientFactory
	Detector  detect.Detector
	Clusterer *cluster.Clusterer
	Rainfall  *rainfall.Correlator
	Composer  *compose.Composer

	Documents DocumentStore
	Vectors   VectorStore // optional
	Graph     GraphStore  // optional

	PermitRadiusKm     float64
	MaxClusterFanout   int
	CycleDeadline      time.Duration
	SimilarityK        int
	SimilarityMinScore float64
	SimilarEdgeScore   float64
}

// Orchestrator runs detection cycles. It owns no long-lived state beyond
// its dependencies; all intermediate values live and die with the cycle.
type Orchestrator struct {
	opts Options
}

// New builds an orchestrator.
func New(opts Options) *Orchestrator {
	if opts.MaxClusterFanout < 1 {
		opts.MaxClusterFanout = 8
	}
	return &Orchestrator{opts: opts}
}

// runState accumulates the run log under one mutex; enrichment goroutines
// all report through it.
type runState struct {
	mu  sync.Mutex
	log models.RunLog
}

func (s *runState) addError(stage string, err error) {
	metrics.StageErrors.WithLabelValues(stage).Inc()
	s.mu.Lock()
	s.log.Errors = append(s.log.Errors, models.StageError{Stage: stage, Message: err.Error()})
	s.mu.Unlock()
}

// RunCycle executes one full cycle and returns its run log. Stage failures
// are recorded in the log and never abort the cycle; only cancellation or
// a panic marks the cycle aborted. The run log is persisted best-effort
// before returning.
func (o *Orchestrator) RunCycle(ctx context.Context) models.RunLog {
	start := time.Now().UTC()
	state := &runState{log: models.RunLog{
		RunID:           uuid.NewString(),
		StartedAt:       start,
		ReadingsFetched: make(map[string]int),
	}}

	counter := NewCounter()
	clients := o.opts.Factory(counter)

	if o.opts.CycleDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.CycleDeadline)
		defer cancel()
	}

	log.Info().Str("run_id", state.log.RunID).Msg("Cycle started")

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("run_id", state.log.RunID).Msg("Cycle panicked")
				state.mu.Lock()
				state.log.Aborted = true
				state.log.AbortCause = fmt.Sprintf("panic: %v", r)
				state.mu.Unlock()
			}
		}()
		o.runStages(ctx, clients, state, start)
	}()

	if ctx.Err() != nil && !state.log.Aborted {
		state.log.Aborted = true
		state.log.AbortCause = AbortCauseCancelled
	}

	state.log.DurationSeconds = time.Since(start).Seconds()
	state.log.APICallCounts = counter.Snapshot()

	o.finishCycle(state.log)
	return state.log
}

func (o *Orchestrator) runStages(ctx context.Context, clients Clients, state *runState, start time.Time) {
	detectable, rainfallReadings := o.fetch(ctx, clients, state)

	stations := make(map[string]struct{})
	for _, r := range detectable {
		stations[string(r.Source)+":"+r.StationID] = struct{}{}
	}
	for _, r := range rainfallReadings {
		stations[string(r.Source)+":"+r.StationID] = struct{}{}
	}
	state.mu.Lock()
	state.log.StationsFetched = len(stations)
	state.mu.Unlock()

	anomalies := o.opts.Detector.Classify(detectable)
	log.Debug().Int("anomalies", len(anomalies)).Msg("Detection complete")

	clusters := o.opts.Clusterer.Cluster(anomalies)
	metrics.ClustersFound.Add(float64(len(clusters)))

	state.mu.Lock()
	state.log.ClustersFound = len(clusters)
	for _, c := range clusters {
		ids := c.StationIDs()
		state.log.ClusterDetails = append(state.log.ClusterDetails, models.ClusterDetail{
			Kind:         c.Kind,
			StationCount: len(ids),
			StationIDs:   ids,
			CentroidLat:  c.CentroidLat,
			CentroidLon:  c.CentroidLon,
		})
	}
	state.mu.Unlock()

	if len(clusters) == 0 {
		return
	}

	sem := semaphore.NewWeighted(int64(o.opts.MaxClusterFanout))
	var wg sync.WaitGroup
	for _, c := range clusters {
		if err := sem.Acquire(ctx, 1); err != nil {
			state.addError("enrich", fmt.Errorf("cluster enrichment cancelled: %w", err))
			break
		}
		wg.Add(1)
		go func(c models.Cluster) {
			defer wg.Done()
			defer sem.Release(1)
			o.processCluster(ctx, clients, state, c, rainfallReadings, start)
		}(c)
	}
	wg.Wait()
}

// fetch runs all three source fetchers concurrently. Each failure is a
// stage error attributed to its source; the cycle proceeds with whatever
// the other fetchers produced.
func (o *Orchestrator) fetch(ctx context.Context, clients Clients, state *runState) (detectable, rainfallReadings []models.Reading) {
	var mu sync.Mutex
	// The zero-value group is deliberate: a fetcher failure becomes a
	// stage error and must not cancel the sibling fetchers.
	var g errgroup.Group

	for source, fetcher := range clients.Fetchers {
		source, fetcher := source, fetcher
		g.Go(func() error {
			readings, err := fetcher.FetchLatest(ctx)
			if err != nil {
				metrics.FetchErrors.WithLabelValues(string(source)).Inc()
				state.addError(string(source), err)
				return nil
			}
			metrics.ReadingsFetched.WithLabelValues(string(source)).Add(float64(len(readings)))

			mu.Lock()
			defer mu.Unlock()
			state.mu.Lock()
			state.log.ReadingsFetched[string(source)] = len(readings)
			state.mu.Unlock()
			if source == models.SourceRainfall {
				rainfallReadings = append(rainfallReadings, readings...)
			} else {
				detectable = append(detectable, readings...)
			}
			return nil
		})
	}
	g.Wait()
	return detectable, rainfallReadings
}

// processCluster enriches, composes and persists one cluster.
func (o *Orchestrator) processCluster(ctx context.Context, clients Clients, state *runState, c models.Cluster, rainfallReadings []models.Reading, now time.Time) {
	// Permit search and rainfall correlation are independent enrichments;
	// run them side by side so the permit API's latency does not gate the
	// in-memory correlation.
	var permits []models.Permit
	var rain models.RainfallSummary
	var enrich sync.WaitGroup
	enrich.Add(2)
	go func() {
		defer enrich.Done()
		permits = o.searchPermits(ctx, clients, state, c)
	}()
	go func() {
		defer enrich.Done()
		rain = o.opts.Rainfall.Summarise(c.CentroidLat, c.CentroidLon, now, rainfallReadings)
	}()
	enrich.Wait()

	incident := o.opts.Composer.Compose(ctx, c, permits, rain, state.log.RunID)

	similar := o.searchSimilar(ctx, state, incident)

	created, id, err := o.opts.Documents.StoreIfNew(ctx, incident)
	if err != nil {
		state.addError("persist", err)
		return
	}

	state.mu.Lock()
	if created {
		state.log.IncidentsCreated++
		state.log.IncidentIDsCreated = append(state.log.IncidentIDsCreated, id)
		state.log.DocumentStored++
	} else {
		state.log.IncidentsDuplicate++
		state.log.IncidentIDsDuplicate = append(state.log.IncidentIDsDuplicate, id)
	}
	state.mu.Unlock()

	if !created {
		metrics.IncidentsDuplicate.Inc()
		log.Debug().Str("incident_id", id).Msg("Duplicate incident suppressed")
		return
	}
	metrics.IncidentsCreated.Inc()

	// Vector and graph writes are best-effort: the document insert is the
	// commit point, and both stores replay idempotently on later cycles.
	var wg sync.WaitGroup
	if o.opts.Vectors != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.opts.Vectors.EmbedAndStore(ctx, incident); err != nil {
				state.addError("vector", err)
				return
			}
			state.mu.Lock()
			state.log.VectorStored++
			state.mu.Unlock()
		}()
	}
	if o.opts.Graph != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.opts.Graph.Ingest(ctx, incident); err != nil {
				state.addError("graph", err)
				return
			}
			state.mu.Lock()
			state.log.GraphStored++
			state.mu.Unlock()
		}()
	}
	wg.Wait()

	o.linkSimilar(ctx, state, incident, similar)
}

func (o *Orchestrator) searchPermits(ctx context.Context, clients Clients, state *runState, c models.Cluster) []models.Permit {
	if clients.Permits == nil {
		return nil
	}
	anchor, ok := c.Anchor()
	if !ok {
		log.Debug().Msg("Cluster has no grid-referenced member, skipping permit search")
		return nil
	}
	permits, err := clients.Permits.SearchNear(ctx, c.CentroidLat, c.CentroidLon, anchor.Easting, anchor.Northing, o.opts.PermitRadiusKm)
	if err != nil {
		state.addError("permits", err)
		return nil
	}
	return permits
}

// searchSimilar queries the vector index with the incident summary before
// it is stored, so the hits are genuinely prior incidents.
func (o *Orchestrator) searchSimilar(ctx context.Context, state *runState, incident models.Incident) []vectorstore.Match {
	if o.opts.Vectors == nil || o.opts.SimilarityK <= 0 {
		return nil
	}
	matches, err := o.opts.Vectors.Query(ctx, incident.Summary, o.opts.SimilarityK, o.opts.SimilarityMinScore)
	if err != nil {
		state.addError("similarity", err)
		return nil
	}

	result := models.SimilarityResult{Found: len(matches)}
	for _, m := range matches {
		result.IncidentIDs = append(result.IncidentIDs, m.IncidentID)
		result.AvgSimilarity += m.Similarity
		if m.Similarity > result.BestSimilarity {
			result.BestSimilarity = m.Similarity
		}
	}
	if len(matches) > 0 {
		result.AvgSimilarity /= float64(len(matches))
	}

	state.mu.Lock()
	state.log.SimilaritySearches++
	state.log.SimilarityResults = append(state.log.SimilarityResults, result)
	state.mu.Unlock()
	return matches
}

func (o *Orchestrator) linkSimilar(ctx context.Context, state *runState, incident models.Incident, matches []vectorstore.Match) {
	if o.opts.Graph == nil || o.opts.SimilarEdgeScore <= 0 {
		return
	}
	for _, m := range matches {
		if m.Similarity < o.opts.SimilarEdgeScore {
			continue
		}
		if err := o.opts.Graph.LinkSimilar(ctx, incident.IncidentID, m.IncidentID, m.Similarity); err != nil {
			state.addError("graph", err)
		}
	}
}

// finishCycle persists the run log and emits cycle metrics. A run-log
// write failure is logged and swallowed; it must not fail the cycle.
func (o *Orchestrator) finishCycle(runLog models.RunLog) {
	metrics.CycleDuration.Observe(runLog.DurationSeconds)
	outcome := "ok"
	if runLog.Aborted {
		outcome = "aborted"
	} else if len(runLog.Errors) > 0 {
		outcome = "degraded"
	}
	metrics.CyclesTotal.WithLabelValues(outcome).Inc()

	// The run log is written on a fresh context so an expired cycle
	// deadline cannot lose the record of the cycle.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := o.opts.Documents.RecordRunLog(ctx, runLog); err != nil {
		log.Error().Err(err).Str("run_id", runLog.RunID).Msg("Failed to persist run log")
	}

	log.Info().
		Str("run_id", runLog.RunID).
		Float64("duration_s", runLog.DurationSeconds).
		Int("clusters", runLog.ClustersFound).
		Int("created", runLog.IncidentsCreated).
		Int("duplicate", runLog.IncidentsDuplicate).
		Int("errors", len(runLog.Errors)).
		Bool("aborted", runLog.Aborted).
		Msg("Cycle finished")
}
