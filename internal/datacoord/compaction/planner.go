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

import "context"

// PlannerFunc adapts a plain function to the Planner interface, the same
// way a single bare compaction routine is adapted to its trigger interface
// elsewhere in this tree: most planners are a single decision function with
// no state of their own, and forcing them through a named type is needless
// ceremony.
type PlannerFunc func(ctx context.Context, kind CompactionKind, c Compactable) (*Job, bool)

func (f PlannerFunc) Plan(ctx context.Context, kind CompactionKind, c Compactable) (*Job, bool) {
	return f(ctx, kind, c)
}

// NeverPlanner never produces a job. It is the planner a new
// CompactionService holds until it is configured, and what the planner
// classes "" and "NeverPlanner" resolve to. An unknown planner class does
// not fall back to it; resolution fails instead.
var NeverPlanner Planner = PlannerFunc(func(_ context.Context, _ CompactionKind, _ Compactable) (*Job, bool) {
	return nil, false
})

// AlwaysInternalPlanner produces a job for every compactable on every call,
// to run internally. executorName is not recorded in the job: the service
// offers the job to its internal executors in turn until one accepts it.
// It exists for tests and is what the DefaultPlanner class resolves to.
func AlwaysInternalPlanner(executorName string) Planner {
	return PlannerFunc(func(_ context.Context, kind CompactionKind, c Compactable) (*Job, bool) {
		return &Job{Kind: kind, Extent: c.GetExtent()}, true
	})
}

// AlwaysExternalPlanner produces a job for every compactable on every call,
// routed to the named external executor queue at the given priority.
func AlwaysExternalPlanner(queueName string, priority int64) Planner {
	return PlannerFunc(func(_ context.Context, kind CompactionKind, c Compactable) (*Job, bool) {
		return &Job{Kind: kind, Extent: c.GetExtent(), ExternalQueue: queueName, Priority: priority}, true
	})
}
