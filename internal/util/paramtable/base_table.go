// Copyright (C) 2019-2020 Zilliz. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software distributed under the License
// is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express
// or implied. See the License for the specific language governing permissions and limitations under the License.

package paramtable

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// BaseTable is an in-process, concurrency-safe property store. It plays the
// role of a local mirror of whatever external configuration backend a real
// deployment watches (etcd, in Milvus); durably persisting or watching that
// backend is out of scope for this module, so BaseTable only ever reflects
// whatever the caller last pushed into it via Save/LoadYaml.
type BaseTable struct {
	mu     sync.RWMutex
	params map[string]string
}

// NewBaseTable returns an empty, ready to use property store.
func NewBaseTable() *BaseTable {
	return &BaseTable{params: make(map[string]string)}
}

// Load returns the value for key, or an error if it is unset.
func (gp *BaseTable) Load(key string) (string, error) {
	gp.mu.RLock()
	defer gp.mu.RUnlock()
	v, ok := gp.params[strings.ToLower(key)]
	if !ok {
		return "", fmt.Errorf("key %q not found", key)
	}
	return v, nil
}

// LoadWithDefault returns the value for key, or defaultValue if unset.
func (gp *BaseTable) LoadWithDefault(key, defaultValue string) string {
	v, err := gp.Load(key)
	if err != nil {
		return defaultValue
	}
	return v
}

// Save stores value under key.
func (gp *BaseTable) Save(key, value string) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	gp.params[strings.ToLower(key)] = value
	return nil
}

// Remove deletes key, if present.
func (gp *BaseTable) Remove(key string) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	delete(gp.params, strings.ToLower(key))
	return nil
}

// IsPropertySet reports whether key has an explicit value. BaseTable never
// auto-populates defaults into the store (LoadWithDefault only returns a
// fallback, it does not persist it), so every present key is an explicit
// one; includeDefaults is kept in the signature to match the config-store
// contract of §6, which some backends satisfy with pre-seeded defaults.
func (gp *BaseTable) IsPropertySet(key string, includeDefaults bool) bool {
	gp.mu.RLock()
	defer gp.mu.RUnlock()
	_, ok := gp.params[strings.ToLower(key)]
	return ok
}

// GetByPrefix returns every key/value pair whose key starts with prefix,
// with the prefix stripped from the returned keys.
func (gp *BaseTable) GetByPrefix(prefix string) map[string]string {
	gp.mu.RLock()
	defer gp.mu.RUnlock()
	prefix = strings.ToLower(prefix)
	out := make(map[string]string)
	for k, v := range gp.params {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return out
}

// GetTimeInMillis parses key as a duration expressed in milliseconds,
// falling back to defaultMillis when unset.
func (gp *BaseTable) GetTimeInMillis(key string, defaultMillis int64) time.Duration {
	v := gp.LoadWithDefault(key, strconv.FormatInt(defaultMillis, 10))
	millis, err := cast.ToInt64E(v)
	if err != nil {
		panic(fmt.Sprintf("%s must be an integer number of milliseconds: %v", key, err))
	}
	return time.Duration(millis) * time.Millisecond
}

// LoadYaml merges a YAML document into the store, flattening nested keys
// with '.' the way Milvus's real BaseTable.LoadYaml does, via viper+cast.
func (gp *BaseTable) LoadYaml(data []byte) error {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return err
	}
	for _, key := range v.AllKeys() {
		str, err := cast.ToStringE(v.Get(key))
		if err != nil {
			return fmt.Errorf("unsupported config value at %q: %w", key, err)
		}
		if err := gp.Save(key, str); err != nil {
			return err
		}
	}
	return nil
}
