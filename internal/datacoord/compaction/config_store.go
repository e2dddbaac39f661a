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
	"github.com/milvus-io/milvus/internal/util/paramtable"
)

// ParamTableConfigStore adapts a paramtable.BaseTable to the ConfigStore
// interface Config is built from.
type ParamTableConfigStore struct {
	Base *paramtable.BaseTable
}

func NewParamTableConfigStore(base *paramtable.BaseTable) *ParamTableConfigStore {
	return &ParamTableConfigStore{Base: base}
}

func (p *ParamTableConfigStore) GetAllPropertiesWithPrefix(prefix string) map[string]string {
	return p.Base.GetByPrefix(prefix)
}

func (p *ParamTableConfigStore) IsPropertySet(prop string, includeDefaults bool) bool {
	return p.Base.IsPropertySet(prop, includeDefaults)
}

func (p *ParamTableConfigStore) GetTimeInMillis(prop string) (int64, bool) {
	if !p.Base.IsPropertySet(prop, true) {
		return 0, false
	}
	return p.Base.GetTimeInMillis(prop, 0).Milliseconds(), true
}

func (p *ParamTableConfigStore) Get(prop string) (string, bool) {
	v, err := p.Base.Load(prop)
	if err != nil {
		return "", false
	}
	return v, true
}
