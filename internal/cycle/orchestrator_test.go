package cycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envwatch/envwatch/internal/cluster"
	"github.com/envwatch/envwatch/internal/compose"
	"github.com/envwatch/envwatch/internal/config"
	"github.com/envwatch/envwatch/internal/detect"
	"github.com/envwatch/envwatch/internal/models"
	"github.com/envwatch/envwatch/internal/rainfall"
	"github.com/envwatch/envwatch/internal/storage/vectorstore"
)

type fakeFetcher struct {
	readings []models.Reading
	err      error
}

func (f *fakeFetcher) FetchLatest(context.Context) ([]models.Reading, error) {
	return f.readings, f.err
}

type fakePermits struct {
	permits []models.Permit
	err     error
	calls   int
}

func (f *fakePermits) SearchNear(context.Context, float64, float64, int, int, float64) ([]models.Permit, error) {
	f.calls++
	return f.permits, f.err
}

type fakeDocuments struct {
	mu        sync.Mutex
	seen      map[string]string // content hash -> incident id
	runLogs   []models.RunLog
	storeErr  error
	recordErr error
}

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{seen: make(map[string]string)}
}

func (f *fakeDocuments) StoreIfNew(_ context.Context, incident models.Incident) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return false, "", f.storeErr
	}
	if id, ok := f.seen[incident.ContentHash]; ok {
		return false, id, nil
	}
	f.seen[incident.ContentHash] = incident.IncidentID
	return true, incident.IncidentID, nil
}

func (f *fakeDocuments) RecordRunLog(_ context.Context, runLog models.RunLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	f.runLogs = append(f.runLogs, runLog)
	return nil
}

type fakeVectors struct {
	mu      sync.Mutex
	stored  []string
	queries int
	matches []vectorstore.Match
}

func (f *fakeVectors) EmbedAndStore(_ context.Context, incident models.Incident) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, incident.IncidentID)
	return nil
}

func (f *fakeVectors) Query(context.Context, string, int, float64) ([]vectorstore.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	return f.matches, nil
}

type fakeGraph struct {
	mu       sync.Mutex
	ingested []string
	links    [][2]string
}

func (f *fakeGraph) Ingest(_ context.Context, incident models.Incident) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingested = append(f.ingested, incident.IncidentID)
	return nil
}

func (f *fakeGraph) LinkSimilar(_ context.Context, incidentID, similarID string, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = append(f.links, [2]string{incidentID, similarID})
	return nil
}

func anomalousReading(id string, lat, lon float64, ts time.Time) models.Reading {
	return models.Reading{
		Source: models.SourceFlood, StationID: id, Parameter: "level",
		Value: 3.97, Timestamp: ts, HasCoords: true, Lat: lat, Lon: lon,
		Easting: 351000, Northing: 131000,
	}
}

func testOrchestrator(clients Clients, docs DocumentStore, vectors VectorStore, graph GraphStore) *Orchestrator {
	thresholds := config.NewThresholds(map[string]float64{"flood:level": 3.0, "hydrology:waterLevel": 3.0})
	return New(Options{
		Factory:            func(*Counter) Clients { return clients },
		Detector:           detect.NewThresholdDetector(thresholds),
		Clusterer:          cluster.New(10, 24*time.Hour, 2),
		Rainfall:           rainfall.New(10, 24*time.Hour, 15, 5),
		Composer:           compose.New(nil, 0.5, 0.2, 20, 10),
		Documents:          docs,
		Vectors:            vectors,
		Graph:              graph,
		PermitRadiusKm:     1,
		MaxClusterFanout:   8,
		CycleDeadline:      time.Minute,
		SimilarityK:        5,
		SimilarityMinScore: 0.3,
		SimilarEdgeScore:   0.8,
	})
}

func TestRunCycleZeroReadings(t *testing.T) {
	docs := newFakeDocuments()
	clients := Clients{Fetchers: map[models.Source]Fetcher{
		models.SourceFlood:     &fakeFetcher{},
		models.SourceHydrology: &fakeFetcher{},
		models.SourceRainfall:  &fakeFetcher{},
	}}

	runLog := testOrchestrator(clients, docs, nil, nil).RunCycle(context.Background())

	assert.False(t, runLog.Aborted)
	assert.Zero(t, runLog.ClustersFound)
	assert.Zero(t, runLog.IncidentsCreated)
	assert.Empty(t, runLog.Errors)
	require.Len(t, docs.runLogs, 1, "a zero-incident cycle still writes its run log")
	assert.Equal(t, runLog.RunID, docs.runLogs[0].RunID)
}

func TestRunCycleHappyPath(t *testing.T) {
	now := time.Now().UTC()
	docs := newFakeDocuments()
	vectors := &fakeVectors{}
	graph := &fakeGraph{}
	permits := &fakePermits{permits: []models.Permit{
		{PermitID: "P1", Category: models.PermitCategoryDischarge, DistanceKm: 0.4},
	}}

	clients := Clients{
		Fetchers: map[models.Source]Fetcher{
			models.SourceFlood: &fakeFetcher{readings: []models.Reading{
				anomalousReading("1029TH", 51.08, -2.87, now),
				anomalousReading("E2043", 51.12, -2.82, now.Add(-time.Hour)),
			}},
			models.SourceHydrology: &fakeFetcher{},
			models.SourceRainfall: &fakeFetcher{readings: []models.Reading{
				{Source: models.SourceRainfall, StationID: "G1", Parameter: "rainfall",
					Value: 2.0, Timestamp: now, HasCoords: true, Lat: 51.1, Lon: -2.85},
			}},
		},
		Permits: permits,
	}

	runLog := testOrchestrator(clients, docs, vectors, graph).RunCycle(context.Background())

	assert.False(t, runLog.Aborted)
	assert.Equal(t, 1, runLog.ClustersFound)
	assert.Equal(t, 1, runLog.IncidentsCreated)
	assert.Zero(t, runLog.IncidentsDuplicate)
	assert.Equal(t, 1, runLog.DocumentStored)
	assert.Equal(t, 1, runLog.VectorStored)
	assert.Equal(t, 1, runLog.GraphStored)
	assert.Equal(t, 1, runLog.SimilaritySearches)
	assert.Equal(t, 2, runLog.ReadingsFetched["flood"])
	assert.Equal(t, 1, runLog.ReadingsFetched["rainfall"])
	assert.Equal(t, 3, runLog.StationsFetched)
	assert.Equal(t, 1, permits.calls)

	require.Len(t, runLog.ClusterDetails, 1)
	assert.Equal(t, models.SourceKindFlood, runLog.ClusterDetails[0].Kind)
	assert.Equal(t, []string{"1029TH", "E2043"}, runLog.ClusterDetails[0].StationIDs)

	assert.Len(t, vectors.stored, 1)
	assert.Len(t, graph.ingested, 1)
}

func TestRunCycleDuplicateSkipsSecondaryStores(t *testing.T) {
	now := time.Now().UTC()
	docs := newFakeDocuments()
	vectors := &fakeVectors{}
	graph := &fakeGraph{}

	clients := Clients{Fetchers: map[models.Source]Fetcher{
		models.SourceFlood: &fakeFetcher{readings: []models.Reading{
			anomalousReading("1029TH", 51.08, -2.87, now),
			anomalousReading("E2043", 51.12, -2.82, now.Add(-time.Hour)),
		}},
		models.SourceHydrology: &fakeFetcher{},
		models.SourceRainfall:  &fakeFetcher{},
	}}

	orch := testOrchestrator(clients, docs, vectors, graph)

	first := orch.RunCycle(context.Background())
	second := orch.RunCycle(context.Background())

	assert.Equal(t, 1, first.IncidentsCreated)
	assert.Zero(t, second.IncidentsCreated)
	assert.Equal(t, 1, second.IncidentsDuplicate)
	require.Len(t, second.IncidentIDsDuplicate, 1)
	assert.Equal(t, first.IncidentIDsCreated[0], second.IncidentIDsDuplicate[0],
		"the duplicate reports the original incident id")

	assert.Len(t, vectors.stored, 1, "no second embedding write")
	assert.Len(t, graph.ingested, 1, "no second graph write")
}

func TestRunCycleFetchFailureIsStageError(t *testing.T) {
	now := time.Now().UTC()
	docs := newFakeDocuments()

	clients := Clients{Fetchers: map[models.Source]Fetcher{
		models.SourceFlood: &fakeFetcher{readings: []models.Reading{
			anomalousReading("1029TH", 51.08, -2.87, now),
			anomalousReading("E2043", 51.12, -2.82, now.Add(-time.Hour)),
		}},
		models.SourceHydrology: &fakeFetcher{err: errors.New("upstream returned 404")},
		models.SourceRainfall:  &fakeFetcher{},
	}}

	runLog := testOrchestrator(clients, docs, nil, nil).RunCycle(context.Background())

	assert.False(t, runLog.Aborted, "a fetcher failure must not abort the cycle")
	assert.Equal(t, 1, runLog.IncidentsCreated, "flood data still flows")
	require.Len(t, runLog.Errors, 1)
	assert.Equal(t, "hydrology", runLog.Errors[0].Stage)
	assert.Contains(t, runLog.Errors[0].Message, "404")
}

func TestRunCyclePermitFailureDegradesGracefully(t *testing.T) {
	now := time.Now().UTC()
	docs := newFakeDocuments()
	permits := &fakePermits{err: errors.New("permits API down")}

	clients := Clients{
		Fetchers: map[models.Source]Fetcher{
			models.SourceFlood: &fakeFetcher{readings: []models.Reading{
				anomalousReading("1029TH", 51.08, -2.87, now),
				anomalousReading("E2043", 51.12, -2.82, now.Add(-time.Hour)),
			}},
			models.SourceHydrology: &fakeFetcher{},
			models.SourceRainfall:  &fakeFetcher{},
		},
		Permits: permits,
	}

	runLog := testOrchestrator(clients, docs, nil, nil).RunCycle(context.Background())

	assert.Equal(t, 1, runLog.IncidentsCreated, "the incident is composed without permits")
	require.Len(t, runLog.Errors, 1)
	assert.Equal(t, "permits", runLog.Errors[0].Stage)
}

func TestRunCycleSimilarEdges(t *testing.T) {
	now := time.Now().UTC()
	docs := newFakeDocuments()
	graph := &fakeGraph{}
	vectors := &fakeVectors{matches: []vectorstore.Match{
		{IncidentID: "old-strong", Similarity: 0.92},
		{IncidentID: "old-weak", Similarity: 0.45},
	}}

	clients := Clients{Fetchers: map[models.Source]Fetcher{
		models.SourceFlood: &fakeFetcher{readings: []models.Reading{
			anomalousReading("1029TH", 51.08, -2.87, now),
			anomalousReading("E2043", 51.12, -2.82, now.Add(-time.Hour)),
		}},
		models.SourceHydrology: &fakeFetcher{},
		models.SourceRainfall:  &fakeFetcher{},
	}}

	runLog := testOrchestrator(clients, docs, vectors, graph).RunCycle(context.Background())

	require.Len(t, runLog.SimilarityResults, 1)
	assert.Equal(t, 2, runLog.SimilarityResults[0].Found)
	assert.InDelta(t, 0.685, runLog.SimilarityResults[0].AvgSimilarity, 0.001)
	assert.InDelta(t, 0.92, runLog.SimilarityResults[0].BestSimilarity, 0.001)

	require.Len(t, graph.links, 1, "only matches above the edge score are linked")
	assert.Equal(t, "old-strong", graph.links[0][1])
}

func TestRunCycleCancelledContext(t *testing.T) {
	docs := newFakeDocuments()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	clients := Clients{Fetchers: map[models.Source]Fetcher{
		models.SourceFlood:     &fakeFetcher{},
		models.SourceHydrology: &fakeFetcher{},
		models.SourceRainfall:  &fakeFetcher{},
	}}

	runLog := testOrchestrator(clients, docs, nil, nil).RunCycle(ctx)

	assert.True(t, runLog.Aborted)
	assert.Equal(t, AbortCauseCancelled, runLog.AbortCause)
	require.Len(t, docs.runLogs, 1, "an aborted cycle still writes a partial run log")
}

func TestCounter(t *testing.T) {
	c := NewCounter()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Inc("flood")
			c.Inc("permits")
		}()
	}
	wg.Wait()

	snapshot := c.Snapshot()
	assert.Equal(t, 10, snapshot["flood"])
	assert.Equal(t, 10, snapshot["permits"])
}
