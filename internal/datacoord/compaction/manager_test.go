package compaction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milvus-io/milvus/internal/util/paramtable"
)

// controllableCompactable is a Compactable whose configured service and
// reported external ids can be changed by the test after construction.
type controllableCompactable struct {
	extent        Extent
	service       ServiceId
	externalIds   []ExternalCompactionId
	committed     []ExternalCompactionId
	failed        []ExternalCompactionId
}

func (c *controllableCompactable) GetExtent() Extent { return c.extent }
func (c *controllableCompactable) GetConfiguredService(CompactionKind) ServiceId { return c.service }
func (c *controllableCompactable) GetExternalCompactionIds() []ExternalCompactionId {
	return c.externalIds
}
func (c *controllableCompactable) CommitExternalCompaction(ecid ExternalCompactionId, fileSize, entries int64) error {
	c.committed = append(c.committed, ecid)
	return nil
}
func (c *controllableCompactable) ExternalCompactionFailed(ecid ExternalCompactionId) error {
	c.failed = append(c.failed, ecid)
	return nil
}

type fixedSource struct {
	items []Compactable
}

func (s *fixedSource) Snapshot() []Compactable { return append([]Compactable{}, s.items...) }

func newManagerStore(t *testing.T, props map[string]string) ConfigStore {
	t.Helper()
	base := paramtable.NewBaseTable()
	for k, v := range props {
		require.NoError(t, base.Save(k, v))
	}
	return NewParamTableConfigStore(base)
}

func noopRunJob(context.Context, CompactionKind, Extent, Compactable) error { return nil }

// Scenario 1: route and run.
func TestManager_RouteAndRun(t *testing.T) {
	store := newManagerStore(t, map[string]string{
		"compactionService.default.planner":                  defaultPlannerClass,
		"compactionService.default.planner.opts.executors":    "[{name:e1,numThreads:2}]",
	})
	ran := make(chan Extent, 1)
	m := NewManager(store, &fixedSource{}, func(_ context.Context, _ CompactionKind, extent Extent, _ Compactable) error {
		ran <- extent
		return nil
	})
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	c := &controllableCompactable{extent: Extent{Channel: "x"}, service: DefaultServiceName}
	m.submitCompaction(context.Background(), c)

	select {
	case got := <-ran:
		assert.Equal(t, c.extent, got)
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}

	assert.Eventually(t, func() bool {
		return m.GetCompactionsQueued() == 0 && m.GetCompactionsRunning() == 0
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case got := <-m.toCheck:
		assert.Equal(t, c.extent, got.GetExtent())
	case <-time.After(2 * time.Second):
		t.Fatal("compactable was never re-enqueued for check")
	}
}

// Scenario 2: fallback on missing service.
func TestManager_FallbackOnMissingService(t *testing.T) {
	store := newManagerStore(t, map[string]string{
		"compactionService.default.planner": defaultPlannerClass,
	})
	m := NewManager(store, &fixedSource{}, noopRunJob)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	c := &controllableCompactable{extent: Extent{Channel: "x"}, service: ServiceId("custom")}
	m.submitCompaction(context.Background(), c)

	assert.Contains(t, m.servicesMap(), DefaultServiceName)
	assert.NotContains(t, m.servicesMap(), ServiceId("custom"))
}

// Scenario 3: external reservation and commit, plus the extent-mismatch
// invariant violation.
func TestManager_ExternalReservationAndCommit(t *testing.T) {
	store := newManagerStore(t, map[string]string{})
	m := NewManager(store, &fixedSource{}, noopRunJob)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	extent := Extent{Channel: "x"}
	source := &controllableCompactable{extent: extent}
	m.externals.GetOrCreate("q1").Submit(Job{Extent: extent, Priority: 50}, source)

	job, err := m.ReserveExternalCompaction("q1", 50, "E")
	require.NoError(t, err)
	assert.Equal(t, extent, job.Extent)

	entry, ok := m.running.Get("E")
	require.True(t, ok)
	assert.Equal(t, extent, entry.extent)

	otherExtent := Extent{Channel: "y"}
	err = m.CommitExternalCompaction("E", otherExtent, 1024, 10)
	assert.ErrorIs(t, err, ErrInvariantViolation)

	err = m.CommitExternalCompaction("E", extent, 1024, 10)
	require.NoError(t, err)
	assert.Equal(t, []ExternalCompactionId{"E"}, source.committed)

	_, ok = m.running.Get("E")
	assert.False(t, ok)
}

// Scenario 4: orphan reconciliation.
func TestManager_OrphanReconciliation(t *testing.T) {
	store := newManagerStore(t, map[string]string{})
	extent := Extent{Channel: "x"}
	c := &controllableCompactable{extent: extent, service: DefaultServiceName}
	m := NewManager(store, &fixedSource{items: []Compactable{c}}, noopRunJob)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	m.running.Register("E1", extent, ExternalExecutorId("q1"), c)

	var lastAttempted Extent
	m.sweepAll(context.Background(), &lastAttempted)

	_, stillRunning := m.running.Get("E1")
	assert.False(t, stillRunning, "orphaned external id must be retired after a sweep with no tablet claim")
}

func TestManager_OrphanReconciliation_SurvivesIfClaimed(t *testing.T) {
	store := newManagerStore(t, map[string]string{})
	extent := Extent{Channel: "x"}
	c := &controllableCompactable{extent: extent, service: DefaultServiceName, externalIds: []ExternalCompactionId{"E1"}}
	m := NewManager(store, &fixedSource{items: []Compactable{c}}, noopRunJob)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	m.running.Register("E1", extent, ExternalExecutorId("q1"), c)

	var lastAttempted Extent
	m.sweepAll(context.Background(), &lastAttempted)

	_, stillRunning := m.running.Get("E1")
	assert.True(t, stillRunning, "an id the tablet still claims must survive reconciliation")
}

// Scenario 5: hot reload add/remove.
func TestManager_HotReloadAddRemove(t *testing.T) {
	base := paramtable.NewBaseTable()
	require.NoError(t, base.Save("compactionService.default.planner", defaultPlannerClass))
	require.NoError(t, base.Save("compactionService.s1.planner", defaultPlannerClass))
	store := NewParamTableConfigStore(base)

	m := NewManager(store, &fixedSource{}, noopRunJob)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.Contains(t, m.servicesMap(), ServiceId("s1"))
	s1 := m.servicesMap()[ServiceId("s1")]

	require.NoError(t, base.Remove("compactionService.s1.planner"))
	require.NoError(t, base.Save("compactionService.s2.planner", defaultPlannerClass))

	m.checkForConfigChanges(true)

	services := m.servicesMap()
	assert.Contains(t, services, DefaultServiceName)
	assert.Contains(t, services, ServiceId("s2"))
	assert.NotContains(t, services, ServiceId("s1"))
	_ = s1
}

func TestManager_CompactableClosedRetiresExternalIds(t *testing.T) {
	store := newManagerStore(t, map[string]string{})
	m := NewManager(store, &fixedSource{}, noopRunJob)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	extent := Extent{Channel: "x"}
	m.running.Register("E1", extent, ExternalExecutorId("q1"), nil)

	m.CompactableClosed(extent, []ServiceId{DefaultServiceName}, []ExternalCompactionId{"E1"})

	_, ok := m.running.Get("E1")
	assert.False(t, ok)
}

func TestManager_CompactableClosedPurgesQueuedExternalJobs(t *testing.T) {
	store := newManagerStore(t, map[string]string{})
	m := NewManager(store, &fixedSource{}, noopRunJob)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	extent := Extent{Channel: "x"}
	source := &controllableCompactable{extent: extent}
	m.externals.GetOrCreate("q1").Submit(Job{Extent: extent, Priority: 50}, source)

	m.CompactableClosed(extent, nil, nil)

	_, err := m.ReserveExternalCompaction("q1", 0, "E")
	assert.ErrorIs(t, err, ErrNothingAvailable, "a closed extent's queued-but-unreserved job must not be reservable")
}

// RegisterExternalCompaction records an external compaction the manager
// learned of through a path other than ReserveExternalCompaction (e.g. a
// compactor resuming work across a tablet server restart), without ever
// creating or touching an executor in the registry.
func TestManager_RegisterExternalCompactionIsMetered(t *testing.T) {
	store := newManagerStore(t, map[string]string{})
	m := NewManager(store, &fixedSource{}, noopRunJob)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	extent := Extent{Channel: "x"}
	executorId := ExternalExecutorId("resumed-queue")
	m.RegisterExternalCompaction("E1", extent, executorId, nil)

	entry, ok := m.running.Get("E1")
	require.True(t, ok)
	assert.Equal(t, extent, entry.extent)

	metrics := m.GetExternalMetrics()
	require.Len(t, metrics, 1)
	assert.Equal(t, executorId, metrics[0].ExecutorId)
	assert.Equal(t, 1, metrics[0].Running)
	assert.Equal(t, 0, metrics[0].Queued)

	require.NoError(t, m.CommitExternalCompaction("E1", extent, 1024, 10))
	assert.Empty(t, m.GetExternalMetrics())
}
