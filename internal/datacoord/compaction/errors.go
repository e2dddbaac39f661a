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
	"github.com/cockroachdb/errors"
)

// ErrInvariantViolation is raised when a caller-supplied extent does not
// match the extent the manager has on record for an external compaction
// id. It is fatal to the single RPC that triggered it, not to the process.
var ErrInvariantViolation = errors.New("compaction: invariant violation")

// ErrNoSuchExternalExecutor is returned by ExternalExecutorRegistry.Get for
// a queue name the registry does not currently hold.
var ErrNoSuchExternalExecutor = errors.New("compaction: no such external executor")

// ErrNothingAvailable is returned by ExternalCompactionExecutor.Reserve
// when no queued job meets the caller's priority threshold.
var ErrNothingAvailable = errors.New("compaction: nothing available")

// ErrConfigMalformed wraps a fatal configuration-shape error raised while
// building a Config snapshot.
var ErrConfigMalformed = errors.New("compaction: malformed configuration")

func newExtentMismatchError(ecid ExternalCompactionId, want, got Extent) error {
	return errors.Wrapf(ErrInvariantViolation,
		"external compaction %s: stored extent %s does not match caller-provided extent %s",
		ecid, want, got)
}

func errConfigMalformedf(format string, args ...any) error {
	return errors.Wrapf(ErrConfigMalformed, format, args...)
}
