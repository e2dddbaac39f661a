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
	"sync"

	"golang.org/x/time/rate"

	"github.com/milvus-io/milvus/internal/log"
	"go.uber.org/zap"
)

// RunJobFunc executes one internal compaction job to completion. It is
// supplied by the tablet server; this package only schedules jobs, it never
// rewrites files itself.
type RunJobFunc func(ctx context.Context, kind CompactionKind, extent Extent, c Compactable) error

// CompactionService is one configured "planner + its executors" unit: the
// unit of hot reconfiguration (§4.4.4) and of rate limiting (§4.1). For
// each compaction kind, a tablet is scheduled through one CompactionService,
// chosen by its own service name for that kind or, if that service does
// not exist, the default service.
type CompactionService struct {
	name ServiceId

	mu        sync.RWMutex
	planner   Planner
	limiter   *rate.Limiter // nil ⇒ unlimited
	internal  map[string]*InternalExecutor
	runJob    RunJobFunc
	externals *ExternalExecutorRegistry

	queuedMu sync.Mutex
	queued   map[Extent]struct{}
}

// NewCompactionService builds a service bound to externals (shared across
// every service in the manager) and runJob (how an internal job actually
// runs).
func NewCompactionService(name ServiceId, externals *ExternalExecutorRegistry, runJob RunJobFunc) *CompactionService {
	return &CompactionService{
		name:      name,
		planner:   NeverPlanner,
		internal:  make(map[string]*InternalExecutor),
		runJob:    runJob,
		externals: externals,
		queued:    make(map[Extent]struct{}),
	}
}

// Configure applies a planner, rate limit, and executor set, replacing
// whatever this service previously had. It is called once at startup and
// again whenever checkForConfigChanges detects this service's configuration
// changed; existing internal executors not named in the new option set are
// stopped, new ones are started, and ones present in both are left running
// untouched so in-flight jobs survive a reconfiguration.
func (s *CompactionService) Configure(planner Planner, rateLimit int64, executors []internalExecutorSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.planner = planner
	if rateLimit == NoRateLimit {
		s.limiter = nil
	} else {
		s.limiter = rate.NewLimiter(rate.Limit(rateLimit), int(rateLimit))
	}

	keep := make(map[string]struct{}, len(executors))
	for _, spec := range executors {
		keep[spec.Name] = struct{}{}
		if _, ok := s.internal[spec.Name]; ok {
			continue
		}
		s.internal[spec.Name] = newInternalExecutor(
			InternalExecutorId(s.name, spec.Name),
			spec.NumThreads,
			s.runInternalJob,
		)
	}
	for name, ex := range s.internal {
		if _, ok := keep[name]; ok {
			continue
		}
		ex.Stop()
		delete(s.internal, name)
	}
}

func (s *CompactionService) runInternalJob(ctx context.Context, job Job, source Compactable) {
	defer func() {
		s.queuedMu.Lock()
		delete(s.queued, job.Extent)
		s.queuedMu.Unlock()
	}()
	if err := s.runJob(ctx, job.Kind, job.Extent, source); err != nil {
		log.Warn("internal compaction job failed",
			zap.Stringer("extent", job.Extent), zap.Error(err))
	}
}

// Submit asks this service's planner whether c needs a compaction of kind,
// and if so, routes the resulting job to an internal executor or an
// external queue. notify is invoked with c when an internal job finishes,
// so the caller can re-evaluate the tablet promptly instead of waiting for
// the next sweep; it is never invoked for jobs routed externally, since
// those finish via the manager's commit/fail lifecycle instead. Submit
// returns false if the planner had nothing to do, or if this service's
// rate limiter rejected the attempt.
func (s *CompactionService) Submit(ctx context.Context, kind CompactionKind, c Compactable, notify CompletionNotifier) bool {
	s.mu.RLock()
	planner := s.planner
	limiter := s.limiter
	s.mu.RUnlock()

	job, ok := planner.Plan(ctx, kind, c)
	if !ok {
		return false
	}

	if limiter != nil && !limiter.Allow() {
		return false
	}

	if job.ExternalQueue != "" {
		s.externals.GetOrCreate(job.ExternalQueue).Submit(*job, c)
		return true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.internal) == 0 {
		log.Warn("compaction service has no internal executors configured, dropping job",
			zap.String("service", string(s.name)))
		return false
	}

	s.queuedMu.Lock()
	if _, already := s.queued[job.Extent]; already {
		s.queuedMu.Unlock()
		return false
	}
	s.queued[job.Extent] = struct{}{}
	s.queuedMu.Unlock()

	var done func()
	if notify != nil {
		done = func() { notify(c) }
	}
	for _, ex := range s.internal {
		if ex.Submit(*job, c, done) {
			return true
		}
	}
	s.queuedMu.Lock()
	delete(s.queued, job.Extent)
	s.queuedMu.Unlock()
	return false
}

// IsQueued reports whether extent already has an internal job outstanding
// on this service, so the manager's scheduling loop does not resubmit it.
func (s *CompactionService) IsQueued(extent Extent) bool {
	s.queuedMu.Lock()
	defer s.queuedMu.Unlock()
	_, ok := s.queued[extent]
	return ok
}

// RunningCount sums the running-job counts across this service's internal
// executors.
func (s *CompactionService) RunningCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, ex := range s.internal {
		total += ex.RunningCount()
	}
	return total
}

// QueuedCount sums the queued-job counts across this service's internal
// executors.
func (s *CompactionService) QueuedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, ex := range s.internal {
		total += ex.QueuedCount()
	}
	return total
}

// Stop halts every internal executor this service owns.
func (s *CompactionService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ex := range s.internal {
		ex.Stop()
	}
}
