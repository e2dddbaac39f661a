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
	"container/heap"
	"sync"
)

// queuedJob is a Job waiting in an ExternalCompactionExecutor's queue. seq
// breaks priority ties FIFO, oldest first.
type queuedJob struct {
	job      Job
	source   Compactable
	seq      int64
	heapIdx  int
}

// jobHeap is a max-heap by priority, FIFO among equal priorities.
type jobHeap []*queuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *jobHeap) Push(x any) {
	qj := x.(*queuedJob)
	qj.heapIdx = len(*h)
	*h = append(*h, qj)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	qj := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return qj
}

// ExternalCompactionExecutor is a single named queue of jobs awaiting an
// out-of-process compactor. Compactors reserve work by priority threshold;
// CompactionService submits jobs a Planner routed to this queue's name.
type ExternalCompactionExecutor struct {
	id ExecutorId

	mu      sync.Mutex
	queue   jobHeap
	nextSeq int64

	running map[ExternalCompactionId]queuedJob
}

func newExternalCompactionExecutor(id ExecutorId) *ExternalCompactionExecutor {
	return &ExternalCompactionExecutor{
		id:      id,
		running: make(map[ExternalCompactionId]queuedJob),
	}
}

// Submit enqueues job on behalf of source. It never blocks.
func (e *ExternalCompactionExecutor) Submit(job Job, source Compactable) {
	e.mu.Lock()
	defer e.mu.Unlock()
	qj := &queuedJob{job: job, source: source, seq: e.nextSeq}
	e.nextSeq++
	heap.Push(&e.queue, qj)
}

// Reserve pops the highest-priority job at or above minPriority and records
// it as running under ecid. It returns ErrNothingAvailable if the queue is
// empty or every queued job falls below minPriority. Reserve has no notion
// of whether the job's tablet is still live; a closed tablet's queued job
// is kept reservable here unless something has already called RemoveQueued
// for its extent (the manager does so from CompactableClosed).
func (e *ExternalCompactionExecutor) Reserve(minPriority int64, ecid ExternalCompactionId) (Job, Compactable, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.queue.Len() == 0 {
		return Job{}, nil, ErrNothingAvailable
	}
	top := e.queue[0]
	if top.job.Priority < minPriority {
		return Job{}, nil, ErrNothingAvailable
	}
	qj := heap.Pop(&e.queue).(*queuedJob)
	e.running[ecid] = *qj
	return qj.job, qj.source, nil
}

// Release drops the bookkeeping for ecid, whether it committed or failed.
func (e *ExternalCompactionExecutor) Release(ecid ExternalCompactionId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, ecid)
}

// RemoveQueued drops every not-yet-reserved job for extent from this
// executor's queue, e.g. because the tablet that offered them closed before
// a remote compactor reserved the work. It does not touch jobs already
// reserved (tracked in running); those are retired through the normal
// commit/fail path instead. It returns the number of jobs removed.
func (e *ExternalCompactionExecutor) RemoveQueued(extent Extent) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.queue[:0]
	removed := 0
	for _, qj := range e.queue {
		if qj.job.Extent == extent {
			removed++
			continue
		}
		kept = append(kept, qj)
	}
	for i, qj := range kept {
		qj.heapIdx = i
	}
	e.queue = kept
	heap.Init(&e.queue)
	return removed
}

// Summarize reports this executor's current queue depth and running count.
func (e *ExternalCompactionExecutor) Summarize() ExternalMetric {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ExternalMetric{
		ExecutorId: e.id,
		Queued:     e.queue.Len(),
		Running:    len(e.running),
	}
}

// ExternalExecutorRegistry is the process-wide set of named external
// executors, created lazily the first time a Planner routes a job to a
// queue name the registry has not seen.
type ExternalExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[string]*ExternalCompactionExecutor
}

func NewExternalExecutorRegistry() *ExternalExecutorRegistry {
	return &ExternalExecutorRegistry{
		executors: make(map[string]*ExternalCompactionExecutor),
	}
}

// GetOrCreate returns the named executor, creating it if this is the first
// reference to name.
func (r *ExternalExecutorRegistry) GetOrCreate(name string) *ExternalCompactionExecutor {
	r.mu.RLock()
	e, ok := r.executors[name]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.executors[name]; ok {
		return e
	}
	e = newExternalCompactionExecutor(ExternalExecutorId(name))
	r.executors[name] = e
	return e
}

// Get returns the named executor, or ErrNoSuchExternalExecutor if no
// executor of that name is currently registered (never created, or pruned).
func (r *ExternalExecutorRegistry) Get(name string) (*ExternalCompactionExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[name]
	if !ok {
		return nil, ErrNoSuchExternalExecutor
	}
	return e, nil
}

// Summarize returns one ExternalMetric per registered executor.
func (r *ExternalExecutorRegistry) Summarize() []ExternalMetric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ExternalMetric, 0, len(r.executors))
	for _, e := range r.executors {
		out = append(out, e.Summarize())
	}
	return out
}

// Names returns the currently registered executor names.
func (r *ExternalExecutorRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	return names
}

// RemoveQueued drops every not-yet-reserved job for extent across all
// registered executors, e.g. when the tablet that offered them closes
// before a remote compactor reserves the work. Reservations already handed
// out are untouched; those retire through the commit/fail path.
func (r *ExternalExecutorRegistry) RemoveQueued(extent Extent) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	removed := 0
	for _, e := range r.executors {
		removed += e.RemoveQueued(extent)
	}
	return removed
}

// Prune removes every registered executor whose name is not in keep, as
// long as its queue is empty and it has no running reservations.
func (r *ExternalExecutorRegistry) Prune(keep map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, e := range r.executors {
		if _, ok := keep[name]; ok {
			continue
		}
		e.mu.Lock()
		empty := len(e.running) == 0 && e.queue.Len() == 0
		e.mu.Unlock()
		if empty {
			delete(r.executors, name)
		}
	}
}
