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
	"encoding/json"
	"strings"
	"sync"

	"github.com/milvus-io/milvus/internal/log"
	"go.uber.org/zap"
)

// internalExecutorSpec is the shape of one entry in a service's "executors"
// planner option, e.g. [{name:'deprecated', numThreads:4}].
type internalExecutorSpec struct {
	Name       string `json:"name"`
	NumThreads int    `json:"numThreads"`
}

// parseExecutorSpecs accepts either strict JSON or the single-quoted shape
// Config synthesizes for legacy properties.
func parseExecutorSpecs(raw string) ([]internalExecutorSpec, error) {
	normalized := strings.ReplaceAll(raw, "'", "\"")
	normalized = quoteBareIdentifiers(normalized)
	var specs []internalExecutorSpec
	if err := json.Unmarshal([]byte(normalized), &specs); err != nil {
		return nil, errConfigMalformedf("executors option %q is not a valid executor list: %v", raw, err)
	}
	return specs, nil
}

// quoteBareIdentifiers wraps every unquoted identifier run (a key like
// name/numThreads, or a bare string value like an executor name) in double
// quotes, so the relaxed executors shape — e.g. [{name:e1, numThreads:2}] —
// parses as JSON. Numeric values are left untouched.
func quoteBareIdentifiers(s string) string {
	var b strings.Builder
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' {
			inString = !inString
			b.WriteByte(c)
			continue
		}
		if !inString && isIdentStart(c) {
			j := i
			for j < len(s) && (isAlnum(s[j]) || s[j] == '_') {
				j++
			}
			b.WriteByte('"')
			b.WriteString(s[i:j])
			b.WriteByte('"')
			i = j - 1
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isIdentStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
}

type internalJob struct {
	job    Job
	source Compactable
	done   func()
}

// InternalExecutor is the worker pool backing one named internal executor
// within a CompactionService: a fixed number of goroutines draining a
// shared job channel, each job run against the Compactable that produced it.
type InternalExecutor struct {
	id      ExecutorId
	jobs    chan internalJob
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	mu      sync.Mutex
	running int
}

// newInternalExecutor starts numThreads workers. run is invoked for every
// job the executor drains; it is expected to block until the compaction
// completes.
func newInternalExecutor(id ExecutorId, numThreads int, run func(ctx context.Context, job Job, source Compactable)) *InternalExecutor {
	ctx, cancel := context.WithCancel(context.Background())
	ie := &InternalExecutor{
		id:     id,
		jobs:   make(chan internalJob, numThreads*4),
		cancel: cancel,
	}
	for i := 0; i < numThreads; i++ {
		ie.wg.Add(1)
		go ie.workerLoop(ctx, run)
	}
	return ie
}

func (ie *InternalExecutor) workerLoop(ctx context.Context, run func(ctx context.Context, job Job, source Compactable)) {
	defer ie.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-ie.jobs:
			if !ok {
				return
			}
			ie.mu.Lock()
			ie.running++
			ie.mu.Unlock()

			func() {
				defer func() {
					ie.mu.Lock()
					ie.running--
					ie.mu.Unlock()
					if j.done != nil {
						j.done()
					}
				}()
				run(ctx, j.job, j.source)
			}()
		}
	}
}

// Submit enqueues job for this executor's workers. It returns false, without
// blocking, if the executor's backlog is full.
func (ie *InternalExecutor) Submit(job Job, source Compactable, done func()) bool {
	select {
	case ie.jobs <- internalJob{job: job, source: source, done: done}:
		return true
	default:
		log.Warn("internal executor backlog full, dropping submission",
			zap.Stringer("executor", ie.id))
		return false
	}
}

// RunningCount reports the number of jobs this executor is currently running.
func (ie *InternalExecutor) RunningCount() int {
	ie.mu.Lock()
	defer ie.mu.Unlock()
	return ie.running
}

// QueuedCount reports the number of jobs waiting for a free worker.
func (ie *InternalExecutor) QueuedCount() int {
	return len(ie.jobs)
}

// Stop cancels all workers and waits for them to return. It does not drain
// or requeue work still sitting in the channel.
func (ie *InternalExecutor) Stop() {
	ie.cancel()
	ie.wg.Wait()
}
