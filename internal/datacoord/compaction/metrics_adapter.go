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
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "tablet_server"
const metricsSubsystem = "compaction"

// MetricsAdapter is a pull-model prometheus collector over the manager's
// external executors: every scrape walks the current registry rather than
// maintaining its own counters, so it can never drift from the executors'
// own bookkeeping.
type MetricsAdapter struct {
	registry *ExternalExecutorRegistry

	queued  *prometheus.Desc
	running *prometheus.Desc
}

func NewMetricsAdapter(registry *ExternalExecutorRegistry) *MetricsAdapter {
	return &MetricsAdapter{
		registry: registry,
		queued: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, metricsSubsystem, "external_queued"),
			"Number of compaction jobs queued for an external executor.",
			[]string{"executor"}, nil,
		),
		running: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, metricsSubsystem, "external_running"),
			"Number of compaction jobs currently reserved by an external executor.",
			[]string{"executor"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (m *MetricsAdapter) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.queued
	ch <- m.running
}

// Collect implements prometheus.Collector.
func (m *MetricsAdapter) Collect(ch chan<- prometheus.Metric) {
	for _, em := range m.registry.Summarize() {
		name := em.ExecutorId.String()
		ch <- prometheus.MustNewConstMetric(m.queued, prometheus.GaugeValue, float64(em.Queued), name)
		ch <- prometheus.MustNewConstMetric(m.running, prometheus.GaugeValue, float64(em.Running), name)
	}
}

// Register attaches this adapter to reg so its metrics appear on reg's
// scrape endpoint.
func (m *MetricsAdapter) Register(reg *prometheus.Registry) error {
	return reg.Register(m)
}
