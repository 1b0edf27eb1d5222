// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingest

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsIngest holds Prometheus metrics for the ingestion subsystem,
// registered lazily on first use.
type metricsIngest struct {
	once sync.Once

	filesSeen        prometheus.Counter
	nodesUpserted    prometheus.Counter
	nodesDeleted     prometheus.Counter
	relsUpserted     prometheus.Counter
	embedsRestored   prometheus.Counter
	embedsGenerated  prometheus.Counter
	providerMismatch prometheus.Counter
	embedRetries     prometheus.Counter

	errParse prometheus.Counter
	errLink  prometheus.Counter
	errEmbed prometheus.Counter

	parseDuration prometheus.Histogram
	mergeDuration prometheus.Histogram
	linkDuration  prometheus.Histogram
	embedDuration prometheus.Histogram
	batchDuration prometheus.Histogram
}

var ingMetrics metricsIngest

func (m *metricsIngest) init() {
	m.once.Do(func() {
		m.filesSeen = prometheus.NewCounter(prometheus.CounterOpts{Name: "ragforge_ingest_files_seen_total", Help: "Files observed across all batches"})
		m.nodesUpserted = prometheus.NewCounter(prometheus.CounterOpts{Name: "ragforge_ingest_nodes_upserted_total", Help: "Nodes created or updated by the merger"})
		m.nodesDeleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "ragforge_ingest_nodes_deleted_total", Help: "Obsolete nodes deleted by the merger"})
		m.relsUpserted = prometheus.NewCounter(prometheus.CounterOpts{Name: "ragforge_ingest_relationships_upserted_total", Help: "Relationships merged"})
		m.embedsRestored = prometheus.NewCounter(prometheus.CounterOpts{Name: "ragforge_ingest_embeddings_restored_total", Help: "Embeddings carried across re-ingestion by the preserver"})
		m.embedsGenerated = prometheus.NewCounter(prometheus.CounterOpts{Name: "ragforge_ingest_embeddings_generated_total", Help: "Embeddings produced by the provider"})
		m.providerMismatch = prometheus.NewCounter(prometheus.CounterOpts{Name: "ragforge_ingest_provider_mismatch_total", Help: "Captured embeddings dropped for provider/model mismatch"})
		m.embedRetries = prometheus.NewCounter(prometheus.CounterOpts{Name: "ragforge_ingest_embedding_retries_total", Help: "Provider calls retried after rate-limit or transient errors"})

		m.errParse = prometheus.NewCounter(prometheus.CounterOpts{Name: "ragforge_ingest_errors_parse_total", Help: "Nodes that entered error state during parse"})
		m.errLink = prometheus.NewCounter(prometheus.CounterOpts{Name: "ragforge_ingest_errors_link_total", Help: "Nodes that entered error state during linking"})
		m.errEmbed = prometheus.NewCounter(prometheus.CounterOpts{Name: "ragforge_ingest_errors_embed_total", Help: "Nodes that entered error state during embedding"})

		buckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
		m.parseDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "ragforge_ingest_parse_seconds", Help: "Parse phase duration per batch", Buckets: buckets})
		m.mergeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "ragforge_ingest_merge_seconds", Help: "Merge phase duration per batch", Buckets: buckets})
		m.linkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "ragforge_ingest_link_seconds", Help: "Link phase duration per batch", Buckets: buckets})
		m.embedDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "ragforge_ingest_embed_seconds", Help: "Embed phase duration per batch", Buckets: buckets})
		m.batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "ragforge_ingest_batch_seconds", Help: "End-to-end batch duration", Buckets: buckets})

		prometheus.MustRegister(
			m.filesSeen, m.nodesUpserted, m.nodesDeleted, m.relsUpserted,
			m.embedsRestored, m.embedsGenerated, m.providerMismatch, m.embedRetries,
			m.errParse, m.errLink, m.errEmbed,
			m.parseDuration, m.mergeDuration, m.linkDuration, m.embedDuration, m.batchDuration,
		)
	})
}

// record helpers - used by the pipeline stages for metrics tracking
func recordEmbedRetry() { ingMetrics.init(); ingMetrics.embedRetries.Inc() }

func recordEmbedRun(stats *EmbedStats) {
	ingMetrics.init()
	ingMetrics.embedsGenerated.Add(float64(stats.Generated))
	ingMetrics.errEmbed.Add(float64(stats.Errors))
}

func recordMerge(stats MergeStats) {
	ingMetrics.init()
	ingMetrics.nodesUpserted.Add(float64(stats.NodesUpserted))
	ingMetrics.nodesDeleted.Add(float64(stats.NodesDeleted))
	ingMetrics.relsUpserted.Add(float64(stats.RelationshipsUpserted))
}

func recordRestore(res *RestoreResult) {
	ingMetrics.init()
	ingMetrics.embedsRestored.Add(float64(res.EmbeddingsRestored))
	ingMetrics.providerMismatch.Add(float64(res.ProviderMismatch))
}

func recordBatch(files int, parseErrs, linkErrs int, parseDur, mergeDur, linkDur, embedDur, total time.Duration) {
	ingMetrics.init()
	ingMetrics.filesSeen.Add(float64(files))
	ingMetrics.errParse.Add(float64(parseErrs))
	ingMetrics.errLink.Add(float64(linkErrs))
	ingMetrics.parseDuration.Observe(parseDur.Seconds())
	ingMetrics.mergeDuration.Observe(mergeDur.Seconds())
	ingMetrics.linkDuration.Observe(linkDur.Seconds())
	ingMetrics.embedDuration.Observe(embedDur.Seconds())
	ingMetrics.batchDuration.Observe(total.Seconds())
}
