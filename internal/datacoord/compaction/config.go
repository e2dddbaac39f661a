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
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/milvus-io/milvus/internal/log"
	"go.uber.org/zap"
)

const (
	configPrefix = "compactionService."

	// deprecatedMaxConcurrentProp is the legacy single "max concurrent
	// compactions" knob. When it is the only signal for the default
	// service, it is synthesized into a one-executor default service.
	deprecatedMaxConcurrentProp = "compaction.deprecated.maxConcurrentCompactionTasks"
	// deprecatedGlobalThroughputProp is the legacy single global
	// throughput knob; it only ever supplies Config.DefaultRateLimit.
	deprecatedGlobalThroughputProp = "compaction.deprecated.globalThroughputBytesPerSecond"

	// DefaultServiceName is the fallback service a tablet is routed to
	// when its configured service does not exist.
	DefaultServiceName ServiceId = "default"

	// defaultPlannerClass is synthesized for the legacy single-service shape.
	defaultPlannerClass = "DefaultPlanner"

	// NoRateLimit marks the absence of a throughput cap.
	NoRateLimit int64 = -1
)

// Config is an immutable snapshot of the compaction configuration, built
// from a flat key/value view of properties under the "compactionService."
// prefix. Each key decomposes as one of:
//
//	<service>.planner
//	<service>.planner.opts.<opt>
//	<service>.rate.limit
//
// Any other shape under the prefix is a fatal configuration error.
type Config struct {
	Planners         map[ServiceId]string
	Options          map[ServiceId]map[string]string
	RateLimits       map[ServiceId]int64
	DefaultRateLimit int64
}

// NewConfig builds a Config snapshot from store, wrapping ErrConfigMalformed
// with detail when the property shape is invalid.
func NewConfig(store ConfigStore) (*Config, error) {
	cfg := &Config{
		Planners:   make(map[ServiceId]string),
		Options:    make(map[ServiceId]map[string]string),
		RateLimits: make(map[ServiceId]int64),
	}

	props := store.GetAllPropertiesWithPrefix(configPrefix)
	for key, value := range props {
		svc, rest, ok := splitServiceKey(key)
		if !ok {
			return nil, errConfigShape(key)
		}
		switch {
		case rest == "planner":
			cfg.Planners[svc] = value
		case rest == "rate.limit":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, errConfigShape(key)
			}
			cfg.RateLimits[svc] = n
		case strings.HasPrefix(rest, "planner.opts."):
			opt := strings.TrimPrefix(rest, "planner.opts.")
			if opt == "" {
				return nil, errConfigShape(key)
			}
			if cfg.Options[svc] == nil {
				cfg.Options[svc] = make(map[string]string)
			}
			cfg.Options[svc][opt] = value
		default:
			return nil, errConfigShape(key)
		}
	}

	if err := cfg.applyLegacySynthesis(store); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func splitServiceKey(key string) (ServiceId, string, bool) {
	idx := strings.Index(key, ".")
	if idx < 0 {
		return "", "", false
	}
	return ServiceId(key[:idx]), key[idx+1:], true
}

func errConfigShape(key string) error {
	return wrapConfigErrorf("property %q does not match <service>.planner, <service>.planner.opts.<opt>, or <service>.rate.limit", key)
}

// applyLegacySynthesis folds the deprecated single-knob properties into the
// default service's shape, per §4.1.
//
// The precedence between an explicit per-service rate limit and the
// deprecated global throughput value is preserved verbatim from the source
// this was distilled from: the deprecated value never overrides an
// explicit default-service rate limit, it only ever fills in
// Config.DefaultRateLimit as a fallback for services with no rate limit of
// their own.
func (c *Config) applyLegacySynthesis(store ConfigStore) error {
	_, hasDefaultPlanner := c.Planners[DefaultServiceName]
	_, hasDefaultOptions := c.Options[DefaultServiceName]
	hasDefaultService := hasDefaultPlanner || hasDefaultOptions

	if store.IsPropertySet(deprecatedMaxConcurrentProp, false) {
		raw, _ := store.Get(deprecatedMaxConcurrentProp)
		numThreads, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return wrapConfigErrorf("property %q must be an integer thread count: %v", deprecatedMaxConcurrentProp, err)
		}

		if !hasDefaultService {
			c.Planners[DefaultServiceName] = defaultPlannerClass
			if c.Options[DefaultServiceName] == nil {
				c.Options[DefaultServiceName] = make(map[string]string)
			}
			c.Options[DefaultServiceName]["executors"] = synthesizedExecutorsOpt(numThreads)
			logWarnOnce("compactionService.default is unset; synthesizing it from the deprecated " +
				deprecatedMaxConcurrentProp + " property")
		} else {
			logWarnOnce("compactionService.default is explicitly configured; ignoring the deprecated " +
				deprecatedMaxConcurrentProp + " property")
		}
	}

	c.DefaultRateLimit = NoRateLimit
	if store.IsPropertySet(deprecatedGlobalThroughputProp, false) {
		if raw, ok := store.Get(deprecatedGlobalThroughputProp); ok {
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				c.DefaultRateLimit = n
			}
		}
	}

	return nil
}

// synthesizedExecutorsOpt renders the "executors" planner option in the
// same shape §4.1 documents for the legacy single-service synthesis:
// a one-element list naming a single 'deprecated' executor.
func synthesizedExecutorsOpt(numThreads int64) string {
	return "[{name:'deprecated', numThreads:" + strconv.FormatInt(numThreads, 10) + "}]"
}

// validate enforces I-shape: every service in Options must also be in Planners.
func (c *Config) validate() error {
	for svc := range c.Options {
		if _, ok := c.Planners[svc]; !ok {
			return wrapConfigErrorf("service %q has options but no planner", svc)
		}
	}
	return nil
}

// Equal compares (Planners, Options, RateLimits); DefaultRateLimit is a
// fallback value, not part of identity, so two configs that differ only in
// DefaultRateLimit compare equal.
func (c *Config) Equal(other *Config) bool {
	if other == nil {
		return false
	}
	return reflect.DeepEqual(c.Planners, other.Planners) &&
		reflect.DeepEqual(c.Options, other.Options) &&
		reflect.DeepEqual(c.RateLimits, other.RateLimits)
}

// ServiceNames returns the configured service ids; order is unspecified.
func (c *Config) ServiceNames() []ServiceId {
	return lo.Keys(c.Planners)
}

func wrapConfigErrorf(format string, args ...any) error {
	return errConfigMalformedf(format, args...)
}

var warnOnce sync.Map

// logWarnOnce logs msg the first time it is seen and is a no-op on every
// subsequent call with the same message text: deprecated config warnings
// must be deduplicated by message, not throttled globally.
func logWarnOnce(msg string) {
	if _, loaded := warnOnce.LoadOrStore(msg, struct{}{}); !loaded {
		log.Warn(msg, zap.String("kind", "deprecated-config"))
	}
}
