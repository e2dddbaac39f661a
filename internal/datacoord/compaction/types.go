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

// Package compaction hosts the scheduling core of a tablet server's
// compaction subsystem: it decides when a tablet is offered for
// compaction, which compaction service handles it, and how internal and
// external compaction workers share the load. The storage engine, the
// planner policies, and the RPC surface that carries external-compactor
// calls are all consumed through the interfaces below; none of them are
// implemented in this package.
package compaction

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus/internal/util/typeutil"
)

// ServiceId names a configured compaction service, e.g. "default".
type ServiceId string

// CompactionKind is one of the closed set of reasons a compaction occurs.
type CompactionKind int8

const (
	// KindSystem is a routine, system-initiated compaction.
	KindSystem CompactionKind = iota
	// KindSelector is triggered by a selector/predicate over a tablet's files.
	KindSelector
	// KindUser is explicitly requested by a user-issued operation.
	KindUser
	// KindChop discards expired or out-of-range data from a tablet.
	KindChop
)

// AllCompactionKinds is the closed, compile-time set of kinds the manager
// iterates for every compactable on every pass.
var AllCompactionKinds = []CompactionKind{KindSystem, KindSelector, KindUser, KindChop}

func (k CompactionKind) String() string {
	switch k {
	case KindSystem:
		return "system"
	case KindSelector:
		return "selector"
	case KindUser:
		return "user"
	case KindChop:
		return "chop"
	default:
		return fmt.Sprintf("kind(%d)", int8(k))
	}
}

// ExecutorKind distinguishes internal (in-process) executors from external
// (out-of-process, reservation-based) ones.
type ExecutorKind int8

const (
	ExecutorInternal ExecutorKind = iota
	ExecutorExternal
)

// ExecutorId identifies an executor a CompactionService routes jobs to.
// An internal executor is scoped to the service that owns it; an external
// executor is a shared, globally named queue.
type ExecutorId struct {
	Kind        ExecutorKind
	Service     ServiceId // set only when Kind == ExecutorInternal
	Name        string    // internal executor name, or the external queue name
}

func InternalExecutorId(service ServiceId, name string) ExecutorId {
	return ExecutorId{Kind: ExecutorInternal, Service: service, Name: name}
}

func ExternalExecutorId(queueName string) ExecutorId {
	return ExecutorId{Kind: ExecutorExternal, Name: queueName}
}

func (e ExecutorId) String() string {
	if e.Kind == ExecutorExternal {
		return "external:" + e.Name
	}
	return fmt.Sprintf("internal:%s/%s", e.Service, e.Name)
}

// ExternalCompactionId is an opaque token minted when an external job is
// reserved by a remote compactor, and retired on commit, fail, or
// reconciliation.
type ExternalCompactionId string

// Extent is the identity of a tablet: a table/collection id plus the key
// (or channel/partition) range it owns. It is a plain value — the manager
// never holds a tablet by pointer identity, only by Extent.
type Extent struct {
	CollectionID typeutil.UniqueID
	PartitionID  typeutil.UniqueID
	Channel      string
}

func (e Extent) String() string {
	return fmt.Sprintf("{collection=%d partition=%d channel=%s}", e.CollectionID, e.PartitionID, e.Channel)
}

// Job is what a Planner hands back to a CompactionService for a single
// compactable: either route it to a named external queue (ExternalQueue
// non-empty) or run it on one of the service's own internal executors.
type Job struct {
	Kind          CompactionKind
	Extent        Extent
	ExternalQueue string // empty ⇒ run on an internal executor
	Priority      int64  // only meaningful for external jobs
}

// Planner is the pluggable policy that decides whether a compactable needs
// a compaction job for a given kind, and if so, produces one. Planner
// policy itself — which files a job merges — is outside the scope of this
// package; CompactionService only hosts a Planner and routes its output.
type Planner interface {
	Plan(ctx context.Context, kind CompactionKind, c Compactable) (*Job, bool)
}

// Compactable is a tablet's view of itself as a participant in compaction
// scheduling.
type Compactable interface {
	GetExtent() Extent
	// GetConfiguredService returns the service id this tablet wants to use
	// for the given kind.
	GetConfiguredService(kind CompactionKind) ServiceId
	// GetExternalCompactionIds reports the external compaction ids this
	// tablet currently believes are running against it.
	GetExternalCompactionIds() []ExternalCompactionId
	CommitExternalCompaction(ecid ExternalCompactionId, fileSize int64, entries int64) error
	ExternalCompactionFailed(ecid ExternalCompactionId) error
}

// CompactablesSource is a repeatedly-iterable collection of the
// compactables currently known to the tablet server. Iteration is weakly
// consistent: Snapshot takes a point-in-time copy so a sweep is not
// disturbed by concurrent tablet churn.
type CompactablesSource interface {
	Snapshot() []Compactable
}

// ConfigStore is the process's view of the configuration backend. Property
// keys follow the grammar documented on Config.
type ConfigStore interface {
	GetAllPropertiesWithPrefix(prefix string) map[string]string
	IsPropertySet(prop string, includeDefaults bool) bool
	GetTimeInMillis(prop string) (int64, bool)
	// Get returns the raw string value of prop, and whether it is set.
	Get(prop string) (string, bool)
}

// CompletionNotifier is invoked with the compactable when a job
// that was submitted for it finishes, so the manager can re-evaluate the
// tablet promptly instead of waiting for the next sweep.
type CompletionNotifier func(c Compactable)

// ExternalMetric is one external executor's queue-depth/running summary,
// as reported to the metrics sink.
type ExternalMetric struct {
	ExecutorId ExecutorId
	Queued     int
	Running    int
}
