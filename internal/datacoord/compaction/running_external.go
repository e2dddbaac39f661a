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

import "sync"

// runningExternalEntry is what the manager remembers about one reserved
// external compaction: which tablet it belongs to, and which executor
// queue it was reserved from (so a commit or failure can release the
// right queue's bookkeeping).
type runningExternalEntry struct {
	extent     Extent
	executorId ExecutorId
	compactable Compactable
}

// RunningExternal is the manager's table of external compactions it
// believes are currently in flight. It is the source of truth the
// extent-mismatch invariant check (§4.4.5) is enforced against: a commit or
// failure naming an ecid whose stored extent disagrees with the caller's
// is an invariant violation, not a race to shrug off.
type RunningExternal struct {
	mu      sync.RWMutex
	entries map[ExternalCompactionId]runningExternalEntry
}

func NewRunningExternal() *RunningExternal {
	return &RunningExternal{entries: make(map[ExternalCompactionId]runningExternalEntry)}
}

// Register records a freshly reserved external compaction.
func (r *RunningExternal) Register(ecid ExternalCompactionId, extent Extent, executorId ExecutorId, compactable Compactable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[ecid] = runningExternalEntry{extent: extent, executorId: executorId, compactable: compactable}
}

// Get returns the entry for ecid, if any.
func (r *RunningExternal) Get(ecid ExternalCompactionId) (runningExternalEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[ecid]
	return e, ok
}

// CheckExtent validates that got matches the extent on record for ecid.
// It returns ok=false and a nil error when ecid is unknown (a bare "not
// found", not an invariant violation: the compaction may simply have
// already been retired by reconciliation), and ok=true with a wrapped
// ErrInvariantViolation when ecid is known but the extent differs.
func (r *RunningExternal) CheckExtent(ecid ExternalCompactionId, got Extent) (ok bool, err error) {
	r.mu.RLock()
	e, found := r.entries[ecid]
	r.mu.RUnlock()
	if !found {
		return false, nil
	}
	if e.extent != got {
		return true, newExtentMismatchError(ecid, e.extent, got)
	}
	return true, nil
}

// Retire removes ecid from the table, returning the entry that was removed.
func (r *RunningExternal) Retire(ecid ExternalCompactionId) (runningExternalEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ecid]
	if ok {
		delete(r.entries, ecid)
	}
	return e, ok
}

// Snapshot returns a point-in-time copy of every running entry, for the
// reconciliation sweep to compare against each tablet's own belief of what
// is running against it.
func (r *RunningExternal) Snapshot() map[ExternalCompactionId]runningExternalEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[ExternalCompactionId]runningExternalEntry, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}

// RunningCountByExecutor tallies how many tracked entries belong to each
// executor, so a metrics reader can account for executor ids that were
// registered straight into this table (e.g. via RegisterExternalCompaction)
// without ever going through the executor registry.
func (r *RunningExternal) RunningCountByExecutor() map[ExecutorId]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[ExecutorId]int, len(r.entries))
	for _, e := range r.entries {
		out[e.executorId]++
	}
	return out
}

// Len reports the number of external compactions currently tracked.
func (r *RunningExternal) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
