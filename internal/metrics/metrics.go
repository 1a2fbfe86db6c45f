// Copyright 2025 SirSeer, LLC
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://mariadb.com/bsl11
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes export statistics in the Prometheus text format.
//
// Metrics are registered on a private registry and written once, when the
// export ends, to a file picked up by the node exporter textfile collector:
//   - couchdump_documents_exported_total
//   - couchdump_attachments_exported_total
//   - couchdump_attachment_bytes_total
//   - couchdump_http_requests_total{endpoint,code}
//   - couchdump_http_request_duration_seconds{endpoint}
//   - couchdump_export_duration_seconds
//   - couchdump_export_success
//   - couchdump_export_last_success_timestamp_seconds
package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "couchdump"

// Collector records export metrics. It implements the request observer of
// the CouchDB client and the document observer of the exporter.
type Collector struct {
	registry *prometheus.Registry

	documents       prometheus.Counter
	attachments     prometheus.Counter
	attachmentBytes prometheus.Counter
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	exportDuration  prometheus.Gauge
	exportSuccess   prometheus.Gauge
	lastSuccess     prometheus.Gauge

	now func() time.Time
}

// New creates a collector with its own registry.
func New() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		documents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_exported_total",
			Help:      "Documents written to the export stream.",
		}),
		attachments: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachments_exported_total",
			Help:      "Attachments written to the export stream.",
		}),
		attachmentBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachment_bytes_total",
			Help:      "Decoded attachment bytes written to the export stream.",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Requests sent to the database server by endpoint and status code.",
		}, []string{"endpoint", "code"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Request latency by endpoint.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"endpoint"}),
		exportDuration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "export_duration_seconds",
			Help:      "Wall time of the last export.",
		}),
		exportSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "export_success",
			Help:      "1 if the last export completed, 0 otherwise.",
		}),
		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "export_last_success_timestamp_seconds",
			Help:      "Unix time of the last completed export.",
		}),
		now: time.Now,
	}
}

// Registry returns the registry holding the collector's metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveRequest records one request. Code 0 means no response arrived.
func (c *Collector) ObserveRequest(endpoint string, code int, elapsed time.Duration) {
	label := strconv.Itoa(code)
	if code == 0 {
		label = "error"
	}
	c.requests.WithLabelValues(endpoint, label).Inc()
	c.requestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// ObserveDocument records one exported document.
func (c *Collector) ObserveDocument(id string, attachments int, attachmentBytes int64) {
	c.documents.Inc()
	c.attachments.Add(float64(attachments))
	c.attachmentBytes.Add(float64(attachmentBytes))
}

// ObserveExport records the outcome of the export.
func (c *Collector) ObserveExport(duration time.Duration, exportErr error) {
	c.exportDuration.Set(duration.Seconds())
	if exportErr != nil {
		c.exportSuccess.Set(0)
		return
	}
	c.exportSuccess.Set(1)
	c.lastSuccess.Set(float64(c.now().Unix()))
}

// WriteTextfile writes all metrics to path in the text exposition format.
// The file is replaced atomically.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}
