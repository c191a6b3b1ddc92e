package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetings-map/internal/api"
	"meetings-map/internal/cache"
	"meetings-map/internal/geo"
	"meetings-map/internal/lod"
	"meetings-map/internal/meetings"
)

// fakeBackend counts calls and returns canned results. Setting gate makes
// FetchHeatmap block until the gate closes, and ignoreAbort makes it
// resolve with data even after its context was cancelled — simulating a
// transport that completed before it noticed the abort.
type fakeBackend struct {
	mu            sync.Mutex
	stateCalls    int
	heatmapCalls  int
	lastFilters   meetings.FilterSet
	stateResult   *meetings.StateAggregateResult
	heatmapResult *meetings.MapDataResult
	heatmapErr    error
	gate          chan struct{}
	stateGate     chan struct{}
	ignoreAbort   bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		stateResult: &meetings.StateAggregateResult{
			States: []meetings.StateAggregate{{State: "PA", StateName: "Pennsylvania", Count: 10}},
			Total:  10,
		},
		heatmapResult: &meetings.MapDataResult{
			Mode:     lod.ModeClustered,
			Clusters: []meetings.ClusterPoint{{Lat: 40.0, Lng: -75.0, Count: 7}},
			Total:    7,
		},
	}
}

func (f *fakeBackend) FetchStateAggregates(ctx context.Context, filters meetings.FilterSet) (*meetings.StateAggregateResult, error) {
	f.mu.Lock()
	f.stateCalls++
	f.lastFilters = filters
	gate := f.stateGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if !f.ignoreAbort && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return f.stateResult, nil
}

func (f *fakeBackend) FetchHeatmap(ctx context.Context, vp geo.Viewport, filters meetings.FilterSet, mode lod.Mode, individualCap int) (*meetings.MapDataResult, error) {
	f.mu.Lock()
	f.heatmapCalls++
	f.lastFilters = filters
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if !f.ignoreAbort && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if f.heatmapErr != nil {
		return nil, f.heatmapErr
	}
	return f.heatmapResult, nil
}

func (f *fakeBackend) calls() (state, heatmap int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateCalls, f.heatmapCalls
}

// recorder collects coordinator callback deliveries
type recorder struct {
	mu        sync.Mutex
	data      []*meetings.MapDataResult
	fromCache []bool
	stateData []*meetings.StateAggregateResult
	errors    []error
	dataCh    chan struct{}
	stateCh   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		dataCh:  make(chan struct{}, 64),
		stateCh: make(chan struct{}, 64),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnData: func(result *meetings.MapDataResult, fromCache bool) {
			r.mu.Lock()
			r.data = append(r.data, result)
			r.fromCache = append(r.fromCache, fromCache)
			r.mu.Unlock()
			r.dataCh <- struct{}{}
		},
		OnStateData: func(result *meetings.StateAggregateResult) {
			r.mu.Lock()
			r.stateData = append(r.stateData, result)
			r.mu.Unlock()
			r.stateCh <- struct{}{}
		},
		OnFetchError: func(stream string, err error) {
			r.mu.Lock()
			r.errors = append(r.errors, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) waitData(t *testing.T) {
	t.Helper()
	select {
	case <-r.dataCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for map data")
	}
}

func (r *recorder) waitStateData(t *testing.T) {
	t.Helper()
	select {
	case <-r.stateCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state data")
	}
}

func (r *recorder) dataCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}

func newTestCoordinator(t *testing.T, backend Backend) (*Coordinator, *cache.Store, *recorder) {
	t.Helper()
	store, err := cache.NewStore(64, 3*time.Minute, lod.DefaultThresholds())
	require.NoError(t, err)

	rec := newRecorder()
	coord := New(backend, store, lod.DefaultThresholds(), 200)
	coord.SetCallbacks(rec.callbacks())
	return coord, store, rec
}

func testViewport(zoom int) geo.Viewport {
	return geo.Viewport{
		Bounds: geo.BoundingBox{South: 39.0, West: -76.0, North: 41.0, East: -74.0},
		Zoom:   zoom,
		Center: geo.LatLng{Lat: 40.0, Lng: -75.0},
	}
}

func TestStateAggregateViewportSkipsZoomStream(t *testing.T) {
	// Scenario: at zoom 5 only the state stream is relevant
	backend := newFakeBackend()
	coord, _, rec := newTestCoordinator(t, backend)
	defer coord.Close()

	coord.HandleViewportChange(testViewport(5), meetings.FilterSet{})
	rec.waitStateData(t)

	state, heatmap := backend.calls()
	assert.Equal(t, 1, state)
	assert.Equal(t, 0, heatmap)
}

func TestDedupIdempotence(t *testing.T) {
	// The same viewport twice with no intervening change issues exactly
	// one zoom-stream request
	backend := newFakeBackend()
	coord, _, rec := newTestCoordinator(t, backend)
	defer coord.Close()

	vp := testViewport(9)
	coord.HandleViewportChange(vp, meetings.FilterSet{})
	rec.waitData(t)
	coord.HandleViewportChange(vp, meetings.FilterSet{})

	time.Sleep(50 * time.Millisecond)
	_, heatmap := backend.calls()
	assert.Equal(t, 1, heatmap)
}

func TestTinyPanIsSuppressed(t *testing.T) {
	// A pan under 0.01 degrees leaves the dedup signature unchanged
	backend := newFakeBackend()
	coord, _, rec := newTestCoordinator(t, backend)
	defer coord.Close()

	vp := testViewport(9)
	coord.HandleViewportChange(vp, meetings.FilterSet{})
	rec.waitData(t)

	shifted := vp
	shifted.Bounds.South += 0.004
	shifted.Bounds.North += 0.004
	coord.HandleViewportChange(shifted, meetings.FilterSet{})

	time.Sleep(50 * time.Millisecond)
	_, heatmap := backend.calls()
	assert.Equal(t, 1, heatmap)
}

func TestRealPanIssuesNewRequest(t *testing.T) {
	backend := newFakeBackend()
	coord, _, rec := newTestCoordinator(t, backend)
	defer coord.Close()

	vp := testViewport(9)
	coord.HandleViewportChange(vp, meetings.FilterSet{})
	rec.waitData(t)

	shifted := vp
	shifted.Bounds.South += 3.0
	shifted.Bounds.North += 3.0
	shifted.Center.Lat += 3.0
	coord.HandleViewportChange(shifted, meetings.FilterSet{})
	rec.waitData(t)

	_, heatmap := backend.calls()
	assert.Equal(t, 2, heatmap)
}

func TestFreshCacheHitShortCircuits(t *testing.T) {
	backend := newFakeBackend()
	coord, store, rec := newTestCoordinator(t, backend)
	defer coord.Close()

	vp := testViewport(9)
	cached := &meetings.MapDataResult{Mode: lod.ModeClustered, Total: 42}
	store.Set(store.Key(vp.Zoom, vp.Bounds, meetings.FilterSet{}), cached)

	coord.HandleViewportChange(vp, meetings.FilterSet{})
	rec.waitData(t)

	rec.mu.Lock()
	require.Len(t, rec.data, 1)
	assert.Equal(t, 42, rec.data[0].Total)
	assert.True(t, rec.fromCache[0])
	rec.mu.Unlock()

	// Fresh hit: no network call at all
	time.Sleep(50 * time.Millisecond)
	_, heatmap := backend.calls()
	assert.Equal(t, 0, heatmap)
}

func TestStaleHitServesCachedAndRefetches(t *testing.T) {
	backend := newFakeBackend()
	coord, store, rec := newTestCoordinator(t, backend)
	defer coord.Close()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	vp := testViewport(9)
	stale := &meetings.MapDataResult{Mode: lod.ModeClustered, Total: 42}
	store.Set(store.Key(vp.Zoom, vp.Bounds, meetings.FilterSet{}), stale)
	now = now.Add(10 * time.Minute)

	coord.HandleViewportChange(vp, meetings.FilterSet{})

	// Cached data arrives first, the background refetch second
	rec.waitData(t)
	rec.waitData(t)

	rec.mu.Lock()
	require.Len(t, rec.data, 2)
	assert.Equal(t, 42, rec.data[0].Total)
	assert.True(t, rec.fromCache[0])
	assert.Equal(t, 7, rec.data[1].Total)
	assert.False(t, rec.fromCache[1])
	rec.mu.Unlock()

	_, heatmap := backend.calls()
	assert.Equal(t, 1, heatmap, "exactly one background refetch")
}

func TestFilterChangeBypassesDedupButMissesCache(t *testing.T) {
	// Scenario: filters change from {} to {day:1} while a fresh entry
	// exists for {}. The new filter key is a miss, so a fetch is issued
	// immediately.
	backend := newFakeBackend()
	coord, store, rec := newTestCoordinator(t, backend)
	defer coord.Close()

	vp := testViewport(9)
	coord.HandleViewportChange(vp, meetings.FilterSet{})
	rec.waitData(t)
	_, heatmap := backend.calls()
	require.Equal(t, 1, heatmap)

	// The empty-filter entry is fresh in the cache now
	hit, ok := store.Get(store.Key(vp.Zoom, vp.Bounds, meetings.FilterSet{}))
	require.True(t, ok)
	require.False(t, hit.IsStale)

	day := 1
	coord.ForceRefresh(vp, meetings.FilterSet{Day: &day})
	rec.waitData(t)

	_, heatmap = backend.calls()
	assert.Equal(t, 2, heatmap)

	backend.mu.Lock()
	require.NotNil(t, backend.lastFilters.Day)
	assert.Equal(t, 1, *backend.lastFilters.Day)
	backend.mu.Unlock()
}

func TestForceRefreshHonorsFreshCacheForNewKey(t *testing.T) {
	backend := newFakeBackend()
	coord, store, rec := newTestCoordinator(t, backend)
	defer coord.Close()

	day := 1
	filters := meetings.FilterSet{Day: &day}
	vp := testViewport(9)

	cached := &meetings.MapDataResult{Mode: lod.ModeClustered, Total: 99}
	store.Set(store.Key(vp.Zoom, vp.Bounds, filters), cached)
	store.Set(cache.StateKey(filters), &meetings.StateAggregateResult{Total: 99})

	coord.ForceRefresh(vp, filters)
	rec.waitData(t)

	rec.mu.Lock()
	assert.Equal(t, 99, rec.data[0].Total)
	assert.True(t, rec.fromCache[0])
	rec.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	_, heatmap := backend.calls()
	assert.Equal(t, 0, heatmap)
}

func TestSupersededResultIsDiscarded(t *testing.T) {
	// Scenario: two back-to-back fetches; the first resolves after being
	// superseded and must not reach the callbacks
	backend := newFakeBackend()
	backend.ignoreAbort = true
	backend.gate = make(chan struct{})

	coord, _, rec := newTestCoordinator(t, backend)
	defer coord.Close()

	first := testViewport(9)
	coord.HandleViewportChange(first, meetings.FilterSet{})

	// Wait until the first request is in flight
	require.Eventually(t, func() bool {
		_, heatmap := backend.calls()
		return heatmap == 1
	}, 2*time.Second, 5*time.Millisecond)

	second := first
	second.Bounds.South += 3.0
	second.Bounds.North += 3.0
	second.Center.Lat += 3.0
	coord.HandleViewportChange(second, meetings.FilterSet{})

	require.Eventually(t, func() bool {
		_, heatmap := backend.calls()
		return heatmap == 2
	}, 2*time.Second, 5*time.Millisecond)

	// Release both; the first's late resolution is stale-token rejected
	close(backend.gate)

	rec.waitData(t)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.dataCount(), "only the superseding request delivers")
}

func TestFreshHitCancelsInflightFetch(t *testing.T) {
	// A fetch is in flight when the user pans to an area whose payload is
	// cached and fresh. The cached payload is served, and the slow response
	// must not land on top of it.
	backend := newFakeBackend()
	backend.ignoreAbort = true
	backend.gate = make(chan struct{})

	coord, store, rec := newTestCoordinator(t, backend)
	defer coord.Close()

	first := testViewport(9)
	coord.HandleViewportChange(first, meetings.FilterSet{})

	require.Eventually(t, func() bool {
		_, heatmap := backend.calls()
		return heatmap == 1
	}, 2*time.Second, 5*time.Millisecond)

	second := first
	second.Bounds.South += 3.0
	second.Bounds.North += 3.0
	second.Center.Lat += 3.0
	store.Set(store.Key(second.Zoom, second.Bounds, meetings.FilterSet{}),
		&meetings.MapDataResult{Mode: lod.ModeClustered, Total: 42})

	coord.HandleViewportChange(second, meetings.FilterSet{})
	rec.waitData(t)

	// The first viewport's response resolves late
	close(backend.gate)
	time.Sleep(50 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.data, 1, "superseded response discarded after a fresh hit")
	assert.Equal(t, 42, rec.data[0].Total)
	assert.True(t, rec.fromCache[0])
}

func TestZoomOutToStateAggregateCancelsZoomFetch(t *testing.T) {
	backend := newFakeBackend()
	backend.ignoreAbort = true
	backend.gate = make(chan struct{})

	coord, _, rec := newTestCoordinator(t, backend)
	defer coord.Close()

	coord.HandleViewportChange(testViewport(9), meetings.FilterSet{})

	require.Eventually(t, func() bool {
		_, heatmap := backend.calls()
		return heatmap == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Zooming out below the state threshold makes the in-flight zoom
	// request obsolete
	coord.HandleViewportChange(testViewport(4), meetings.FilterSet{})

	close(backend.gate)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.dataCount(), "abandoned resolution never delivers")

	// Zooming back in re-issues even though the viewport matches the one
	// whose request was abandoned
	coord.HandleViewportChange(testViewport(9), meetings.FilterSet{})
	rec.waitData(t)

	_, heatmap := backend.calls()
	assert.Equal(t, 2, heatmap)
}

func TestStateFreshHitCancelsInflightStateFetch(t *testing.T) {
	backend := newFakeBackend()
	backend.ignoreAbort = true
	backend.stateGate = make(chan struct{})

	coord, store, rec := newTestCoordinator(t, backend)
	defer coord.Close()

	day := 1
	coord.HandleViewportChange(testViewport(5), meetings.FilterSet{Day: &day})

	require.Eventually(t, func() bool {
		state, _ := backend.calls()
		return state == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Filters change back to a set whose summary is cached and fresh
	store.Set(cache.StateKey(meetings.FilterSet{}), &meetings.StateAggregateResult{Total: 99})
	coord.ForceRefresh(testViewport(5), meetings.FilterSet{})
	rec.waitStateData(t)

	close(backend.stateGate)
	time.Sleep(50 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.stateData, 1)
	assert.Equal(t, 99, rec.stateData[0].Total)
}

func TestLatestViewportDeliversLast(t *testing.T) {
	// Rapid alternation between a network-bound viewport and a cached one.
	// Whatever interleaving the scheduler picks, the final delivery must be
	// the last requested viewport's payload.
	backend := newFakeBackend()
	backend.ignoreAbort = true

	coord, store, rec := newTestCoordinator(t, backend)
	defer coord.Close()

	networkVp := testViewport(9)
	cachedVp := networkVp
	cachedVp.Bounds.South += 3.0
	cachedVp.Bounds.North += 3.0
	cachedVp.Center.Lat += 3.0
	store.Set(store.Key(cachedVp.Zoom, cachedVp.Bounds, meetings.FilterSet{}),
		&meetings.MapDataResult{Mode: lod.ModeClustered, Total: 42})

	for i := 0; i < 25; i++ {
		coord.HandleViewportChange(networkVp, meetings.FilterSet{})
		coord.HandleViewportChange(cachedVp, meetings.FilterSet{})
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.data)
	last := rec.data[len(rec.data)-1]
	assert.Equal(t, 42, last.Total, "last delivery matches the last viewport")
	assert.True(t, rec.fromCache[len(rec.fromCache)-1])
}

func TestNetworkErrorIsSilentNoRetry(t *testing.T) {
	backend := newFakeBackend()
	backend.heatmapErr = &api.NetworkError{URL: "http://backend/meetings/heatmap", StatusCode: 502}

	coord, _, rec := newTestCoordinator(t, backend)
	defer coord.Close()

	coord.HandleViewportChange(testViewport(9), meetings.FilterSet{})

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.errors) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// No retry timer is ever armed: the call count stays put
	time.Sleep(150 * time.Millisecond)
	_, heatmap := backend.calls()
	assert.Equal(t, 1, heatmap)
	assert.Equal(t, 0, rec.dataCount(), "failures deliver no data")
}

func TestAbortErrorIsSwallowed(t *testing.T) {
	backend := newFakeBackend()
	backend.heatmapErr = context.Canceled

	coord, _, rec := newTestCoordinator(t, backend)
	defer coord.Close()

	coord.HandleViewportChange(testViewport(9), meetings.FilterSet{})

	time.Sleep(100 * time.Millisecond)
	rec.mu.Lock()
	assert.Empty(t, rec.errors, "aborts are normal control flow")
	rec.mu.Unlock()
	assert.Equal(t, 0, rec.dataCount())
}

func TestStateStreamDedupedByFilterSignature(t *testing.T) {
	backend := newFakeBackend()
	coord, _, rec := newTestCoordinator(t, backend)
	defer coord.Close()

	coord.HandleViewportChange(testViewport(5), meetings.FilterSet{})
	rec.waitStateData(t)

	// Different zoom, same filters: the state stream does not re-issue
	coord.HandleViewportChange(testViewport(4), meetings.FilterSet{})

	time.Sleep(50 * time.Millisecond)
	state, _ := backend.calls()
	assert.Equal(t, 1, state)
}

func TestLoadingCallbackLifecycle(t *testing.T) {
	backend := newFakeBackend()
	store, err := cache.NewStore(64, 3*time.Minute, lod.DefaultThresholds())
	require.NoError(t, err)

	var mu sync.Mutex
	var transitions []bool
	loadingCh := make(chan bool, 8)

	coord := New(backend, store, lod.DefaultThresholds(), 200)
	coord.SetCallbacks(Callbacks{
		OnLoading: func(isLoading bool) {
			mu.Lock()
			transitions = append(transitions, isLoading)
			mu.Unlock()
			loadingCh <- isLoading
		},
	})
	defer coord.Close()

	coord.HandleViewportChange(testViewport(9), meetings.FilterSet{})

	// true when a foreground fetch starts, false when the last one settles.
	// The state and zoom fetches may or may not overlap, so only the shape
	// is asserted, not an exact pairing.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case isLoading := <-loadingCh:
			if !isLoading {
				mu.Lock()
				defer mu.Unlock()
				require.NotEmpty(t, transitions)
				assert.True(t, transitions[0], "loading starts with true")
				assert.False(t, transitions[len(transitions)-1])
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for loading to settle")
		}
	}
}
