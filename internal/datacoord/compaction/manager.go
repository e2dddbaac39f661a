// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package compaction

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	atomicutil "go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/milvus-io/milvus/internal/log"
)

const minReconfigureInterval = time.Second

// Manager is the scheduling core of a tablet server's compaction
// subsystem. It owns the configured set of CompactionServices, the shared
// external executor registry, and the running-external bookkeeping that
// backs the remote-compactor RPC surface.
type Manager struct {
	store   ConfigStore
	source  CompactablesSource
	runJob  RunJobFunc

	externals *ExternalExecutorRegistry
	running   *RunningExternal

	services atomicutil.Value // map[ServiceId]*CompactionService

	maxTimeBetweenChecks atomicutil.Duration

	reconfigureMu  sync.Mutex
	lastReconfigAt time.Time
	currentConfig  *Config

	toCheck chan Compactable

	metrics *MetricsAdapter

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager builds a manager over store (configuration), source (the
// tablet server's live compactables), and runJob (how an internal
// compaction actually executes a job). Call Start to build the initial
// configuration and launch the scheduling loop.
func NewManager(store ConfigStore, source CompactablesSource, runJob RunJobFunc) *Manager {
	externals := NewExternalExecutorRegistry()
	m := &Manager{
		store:     store,
		source:    source,
		runJob:    runJob,
		externals: externals,
		running:   NewRunningExternal(),
		toCheck:   make(chan Compactable, 1024),
		stopCh:    make(chan struct{}),
	}
	m.metrics = NewMetricsAdapter(externals)
	m.services.Store(map[ServiceId]*CompactionService{})
	return m
}

// Start builds the initial configuration, one CompactionService per
// configured service (failures are logged and that service is omitted, per
// §4.4.1), and launches the main scheduling loop.
func (m *Manager) Start(ctx context.Context) error {
	cfg, err := NewConfig(m.store)
	if err != nil {
		return err
	}
	m.currentConfig = cfg
	m.maxTimeBetweenChecks.Store(m.resolveMaxTimeBetweenChecks(cfg))

	services := make(map[ServiceId]*CompactionService, len(cfg.Planners))
	for _, name := range cfg.ServiceNames() {
		svc, err := m.buildService(name, cfg)
		if err != nil {
			log.Warn("failed to start compaction service, omitting it",
				zap.String("service", string(name)), zap.Error(err))
			continue
		}
		services[name] = svc
	}
	m.services.Store(services)

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

func (m *Manager) buildService(name ServiceId, cfg *Config) (*CompactionService, error) {
	planner, err := resolvePlanner(cfg.Planners[name], cfg.Options[name])
	if err != nil {
		return nil, err
	}
	specs, err := parseExecutorOption(cfg.Options[name])
	if err != nil {
		return nil, err
	}
	svc := NewCompactionService(name, m.externals, m.runJob)
	svc.Configure(planner, cfg.effectiveRateLimit(name), specs)
	return svc, nil
}

func parseExecutorOption(opts map[string]string) ([]internalExecutorSpec, error) {
	raw, ok := opts["executors"]
	if !ok {
		return nil, nil
	}
	return parseExecutorSpecs(raw)
}

// effectiveRateLimit returns the service's own rate limit, or
// DefaultRateLimit when it has none of its own.
func (c *Config) effectiveRateLimit(name ServiceId) int64 {
	if n, ok := c.RateLimits[name]; ok {
		return n
	}
	return c.DefaultRateLimit
}

// resolvePlannerClass is the pluggable-class resolution hook: by default
// only "" and "NeverPlanner" (NeverPlanner) and DefaultPlanner
// (AlwaysInternalPlanner) are resolvable by name, and any other class is a
// configuration error, mirroring how little this package assumes about
// planner policy (see Planner's doc comment). The variable is unexported,
// so only code inside this package can replace it.
var resolvePlannerClass = func(class string, opts map[string]string) (Planner, error) {
	switch class {
	case "", "NeverPlanner":
		return NeverPlanner, nil
	case defaultPlannerClass:
		return AlwaysInternalPlanner("default"), nil
	default:
		return nil, errConfigMalformedf("unknown planner class %q", class)
	}
}

func resolvePlanner(class string, opts map[string]string) (Planner, error) {
	return resolvePlannerClass(class, opts)
}

func (m *Manager) resolveMaxTimeBetweenChecks(cfg *Config) time.Duration {
	if v, ok := m.store.GetTimeInMillis("compactionManager.maxTimeBetweenChecks"); ok {
		return time.Duration(v) * time.Millisecond
	}
	return 5 * time.Minute
}

func (m *Manager) servicesMap() map[ServiceId]*CompactionService {
	return m.services.Load().(map[ServiceId]*CompactionService)
}

// loop is the main scheduling loop described in §4.4.2.
func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	lastCheckAll := time.Now()
	maxWait := m.maxTimeBetweenChecks.Load()
	increment := maxDuration(maxWait/10, time.Millisecond)
	retry := NewRetryPolicy(increment, maxWait)
	var lastAttempted Extent

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("compaction scheduling loop iteration panicked",
						zap.Any("panic", r), zap.Stringer("lastAttempted", lastAttempted))
					time.Sleep(retry.NextWait())
				}
			}()

			maxWait = m.maxTimeBetweenChecks.Load()
			elapsed := time.Since(lastCheckAll)

			fired := false
			if elapsed >= maxWait {
				m.sweepAll(ctx, &lastAttempted)
				lastCheckAll = time.Now()
				fired = true
			} else {
				select {
				case c := <-m.toCheck:
					lastAttempted = c.GetExtent()
					m.submitCompaction(ctx, c)
					fired = true
				case <-time.After(maxWait - elapsed):
				case <-ctx.Done():
					return
				case <-m.stopCh:
					return
				}
			}

			if fired {
				retry.Reset()
			}
			m.checkForConfigChanges(false)
		}()
	}
}

// sweepAll implements step 2 of §4.4.2: submitCompaction every known
// compactable, then reconcile runningExternalCompactions against what the
// tablets themselves still claim.
func (m *Manager) sweepAll(ctx context.Context, lastAttempted *Extent) {
	pending := make(map[ExternalCompactionId]struct{})
	for ecid := range m.running.Snapshot() {
		pending[ecid] = struct{}{}
	}

	for _, c := range m.source.Snapshot() {
		*lastAttempted = c.GetExtent()
		m.submitCompaction(ctx, c)
		for _, ecid := range c.GetExternalCompactionIds() {
			delete(pending, ecid)
		}
	}

	for ecid := range pending {
		if _, ok := m.running.Retire(ecid); ok {
			log.Info("reconciliation retired orphaned external compaction", zap.String("ecid", string(ecid)))
		}
	}
}

// submitCompaction implements §4.4.3.
func (m *Manager) submitCompaction(ctx context.Context, c Compactable) {
	for _, kind := range AllCompactionKinds {
		name := c.GetConfiguredService(kind)
		svc, ok := m.servicesMap()[name]
		if !ok {
			m.checkForConfigChanges(true)
			svc, ok = m.servicesMap()[name]
		}
		if !ok {
			if name != DefaultServiceName {
				log.Warn("compactable configured for unknown service, falling back to default",
					zap.Stringer("extent", c.GetExtent()), zap.String("service", string(name)))
				svc, ok = m.servicesMap()[DefaultServiceName]
			}
			if !ok {
				continue
			}
		}
		if svc.IsQueued(c.GetExtent()) {
			continue
		}
		svc.Submit(ctx, kind, c, m.enqueueCheck)
	}
}

// checkForConfigChanges implements §4.4.4.
func (m *Manager) checkForConfigChanges(force bool) {
	m.reconfigureMu.Lock()
	defer m.reconfigureMu.Unlock()

	if !force && time.Since(m.lastReconfigAt) < minReconfigureInterval {
		return
	}
	m.lastReconfigAt = time.Now()

	newCfg, err := NewConfig(m.store)
	if err != nil {
		log.Error("failed to build compaction configuration, keeping previous configuration", zap.Error(err))
		return
	}
	if m.currentConfig != nil && m.currentConfig.Equal(newCfg) {
		return
	}

	old := m.servicesMap()
	fresh := make(map[ServiceId]*CompactionService, len(newCfg.Planners))
	var reconfigure []func()
	ok := true
	for _, name := range newCfg.ServiceNames() {
		if svc, existed := old[name]; existed {
			planner, perr := resolvePlanner(newCfg.Planners[name], newCfg.Options[name])
			specs, serr := parseExecutorOption(newCfg.Options[name])
			if err := multierr.Append(perr, serr); err != nil {
				log.Error("failed to reconfigure compaction service, keeping previous configuration",
					zap.String("service", string(name)), zap.Error(err))
				ok = false
				break
			}
			rateLimit := newCfg.effectiveRateLimit(name)
			reconfigure = append(reconfigure, func() { svc.Configure(planner, rateLimit, specs) })
			fresh[name] = svc
			continue
		}
		svc, berr := m.buildService(name, newCfg)
		if berr != nil {
			log.Warn("failed to start new compaction service, omitting it",
				zap.String("service", string(name)), zap.Error(berr))
			continue
		}
		fresh[name] = svc
	}
	if !ok {
		for name, svc := range fresh {
			if _, existed := old[name]; !existed {
				svc.Stop()
			}
		}
		return
	}
	for _, apply := range reconfigure {
		apply()
	}

	for name, svc := range old {
		if _, stillPresent := fresh[name]; !stillPresent {
			svc.Stop()
		}
	}

	m.services.Store(fresh)
	m.currentConfig = newCfg
	m.maxTimeBetweenChecks.Store(m.resolveMaxTimeBetweenChecks(newCfg))

	m.externals.Prune(referencedExternalQueues(newCfg, fresh))
}

// ReserveExternalCompaction finds or creates the named external queue and
// attempts to reserve its highest-priority job, per §4.4.5. On success the
// reservation is recorded under ecid.
func (m *Manager) ReserveExternalCompaction(queueName string, priority int64, ecid ExternalCompactionId) (Job, error) {
	executor := m.externals.GetOrCreate(queueName)
	job, source, err := executor.Reserve(priority, ecid)
	if err != nil {
		return Job{}, err
	}
	m.running.Register(ecid, job.Extent, ExternalExecutorId(queueName), source)
	log.Info("reserved external compaction", zap.String("ecid", string(ecid)), zap.Stringer("extent", job.Extent))
	return job, nil
}

// RegisterExternalCompaction records a compaction the manager learned of
// through another path, e.g. a compactor resuming work across a tablet
// server restart.
func (m *Manager) RegisterExternalCompaction(ecid ExternalCompactionId, extent Extent, executorId ExecutorId, source Compactable) {
	m.running.Register(ecid, extent, executorId, source)
}

// CommitExternalCompaction implements the commit half of §4.4.5.
func (m *Manager) CommitExternalCompaction(ecid ExternalCompactionId, extent Extent, fileSize, entries int64) error {
	entry, ok := m.running.Get(ecid)
	if !ok {
		return nil
	}
	if entry.extent != extent {
		return newExtentMismatchError(ecid, entry.extent, extent)
	}
	m.releaseExecutor(entry.executorId, ecid)
	m.running.Retire(ecid)

	if entry.compactable != nil {
		if err := entry.compactable.CommitExternalCompaction(ecid, fileSize, entries); err != nil {
			log.Warn("compactable rejected external compaction commit",
				zap.String("ecid", string(ecid)), zap.Error(err))
		}
		m.enqueueCheck(entry.compactable)
	}
	return nil
}

// ExternalCompactionFailed implements the failure half of §4.4.5.
func (m *Manager) ExternalCompactionFailed(ecid ExternalCompactionId, extent Extent) error {
	entry, ok := m.running.Get(ecid)
	if !ok {
		return nil
	}
	if entry.extent != extent {
		return newExtentMismatchError(ecid, entry.extent, extent)
	}
	m.releaseExecutor(entry.executorId, ecid)
	m.running.Retire(ecid)

	if entry.compactable != nil {
		if err := entry.compactable.ExternalCompactionFailed(ecid); err != nil {
			log.Warn("compactable rejected external compaction failure notice",
				zap.String("ecid", string(ecid)), zap.Error(err))
		}
		m.enqueueCheck(entry.compactable)
	}
	return nil
}

func (m *Manager) releaseExecutor(executorId ExecutorId, ecid ExternalCompactionId) {
	if executorId.Kind != ExecutorExternal {
		return
	}
	if executor, err := m.externals.Get(executorId.Name); err == nil {
		executor.Release(ecid)
	}
}

// CompactableClosed implements §4.4.5's final clause: retiring every
// external compaction the caller still attributes to extent, and notifying
// every service that had work scheduled for it.
func (m *Manager) CompactableClosed(extent Extent, servicesUsed []ServiceId, ecids []ExternalCompactionId) {
	for _, ecid := range ecids {
		if entry, ok := m.running.Retire(ecid); ok {
			m.releaseExecutor(entry.executorId, ecid)
		}
	}
	services := m.servicesMap()
	for _, name := range lo.Uniq(servicesUsed) {
		if svc, ok := services[name]; ok {
			svc.compactableClosed(extent)
		}
	}
	if n := m.externals.RemoveQueued(extent); n > 0 {
		log.Info("removed queued external jobs for closed extent",
			zap.Stringer("extent", extent), zap.Int("count", n))
	}
}

func (svc *CompactionService) compactableClosed(extent Extent) {
	svc.queuedMu.Lock()
	delete(svc.queued, extent)
	svc.queuedMu.Unlock()
}

func (m *Manager) enqueueCheck(c Compactable) {
	select {
	case m.toCheck <- c:
	default:
		log.Warn("compactablesToCheck queue full, dropping re-check request", zap.Stringer("extent", c.GetExtent()))
	}
}

// GetCompactionsRunning implements the running half of §4.4.6.
func (m *Manager) GetCompactionsRunning() int {
	total := m.running.Len()
	for _, svc := range m.servicesMap() {
		total += svc.RunningCount()
	}
	return total
}

// GetCompactionsQueued implements the queued half of §4.4.6.
func (m *Manager) GetCompactionsQueued() int {
	total := 0
	for _, svc := range m.servicesMap() {
		total += svc.QueuedCount()
	}
	for _, em := range m.externals.Summarize() {
		total += em.Queued
	}
	return total
}

// GetExternalMetrics implements the remainder of §4.4.6: one record per
// external executor that is either registered in the executor registry, or
// referenced only by a running entry registered through a path that never
// touched the registry (e.g. RegisterExternalCompaction resuming work
// learned of across a restart).
func (m *Manager) GetExternalMetrics() []ExternalMetric {
	byId := make(map[ExecutorId]ExternalMetric)
	for _, em := range m.externals.Summarize() {
		byId[em.ExecutorId] = em
	}
	for executorId, running := range m.running.RunningCountByExecutor() {
		em, ok := byId[executorId]
		if !ok {
			em = ExternalMetric{ExecutorId: executorId}
		}
		em.Running = running
		byId[executorId] = em
	}

	out := make([]ExternalMetric, 0, len(byId))
	for _, em := range byId {
		out = append(out, em)
	}
	return out
}

// MetricsAdapter exposes the prometheus collector wired to this manager's
// external executor registry, for the caller to register with its own
// *prometheus.Registry.
func (m *Manager) MetricsAdapter() *MetricsAdapter {
	return m.metrics
}

// NewExternalCompactionId mints a fresh external compaction id.
func NewExternalCompactionId() ExternalCompactionId {
	return ExternalCompactionId(uuid.NewString())
}

// Stop halts the scheduling loop and every service's internal executors.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
	for _, svc := range m.servicesMap() {
		svc.Stop()
	}
}

// referencedExternalQueues computes the set of external executor names a
// surviving service's configuration statically names, via the
// "externalQueues" planner option (a comma-separated list). A Planner may
// still route jobs to queue names outside this set at its own discretion;
// those queues simply survive until they next go idle, since Prune only
// ever removes an executor with an empty queue and no running reservations.
func referencedExternalQueues(cfg *Config, fresh map[ServiceId]*CompactionService) map[string]struct{} {
	keep := make(map[string]struct{})
	for name := range fresh {
		for opt, raw := range cfg.Options[name] {
			if !strings.EqualFold(opt, "externalQueues") {
				continue
			}
			for _, q := range strings.Split(raw, ",") {
				q = strings.TrimSpace(q)
				if q != "" {
					keep[q] = struct{}{}
				}
			}
		}
	}
	return keep
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
