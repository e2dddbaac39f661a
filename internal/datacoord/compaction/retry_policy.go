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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/milvus-io/milvus/internal/log"
	"go.uber.org/zap"
)

// retryBackoffMultiplier is the per-step growth factor the source this was
// distilled from uses for the scheduling loop's failure backoff: a gentle
// 1.07x rather than backoff's default 1.5x, since this loop runs forever and
// a steep multiplier would blow past maxTimeBetweenChecks in a handful of
// failed passes.
const retryBackoffMultiplier = 1.07

// RetryPolicy grows the manager's sleep interval after consecutive
// scheduling passes that panic, capped at maxWait, and resets to the base
// interval once a pass completes its work.
type RetryPolicy struct {
	base    time.Duration
	maxWait time.Duration

	mu  sync.Mutex
	b   *backoff.ExponentialBackOff

	lastLogged time.Time
}

// NewRetryPolicy builds a policy whose sleep grows from base to maxWait.
func NewRetryPolicy(base, maxWait time.Duration) *RetryPolicy {
	rp := &RetryPolicy{base: base, maxWait: maxWait}
	rp.b = rp.newBackoff()
	return rp
}

func (rp *RetryPolicy) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rp.base
	b.MaxInterval = rp.maxWait
	b.Multiplier = retryBackoffMultiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// NextWait returns the next sleep duration after a failed pass.
func (rp *RetryPolicy) NextWait() time.Duration {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	d := rp.b.NextBackOff()
	if d == backoff.Stop {
		d = rp.maxWait
	}
	if time.Since(rp.lastLogged) > time.Minute {
		log.Info("compaction scheduling loop failed, backing off", zap.Duration("wait", d))
		rp.lastLogged = time.Now()
	}
	return d
}

// Reset returns the policy to its base interval; the manager calls it after
// a pass that swept or handled a queued compactable without panicking.
func (rp *RetryPolicy) Reset() {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.b.Reset()
}
