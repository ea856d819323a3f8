/*
 * Copyright 2024 National Library of Norway.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *       http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/version"
)

var (
	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNs,
		Subsystem: metricsSubsystem,
		Name:      "sessions_total",
		Help:      "Total sessions processed",
	})

	SessionsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNs,
		Subsystem: metricsSubsystem,
		Name:      "sessions_failed_total",
		Help:      "Total sessions failed processing",
	},
		[]string{"reason"},
	)

	TreesBuiltTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNs,
		Subsystem: metricsSubsystem,
		Name:      "trees_built_total",
		Help:      "Total redirection trees built",
	})

	ChainsComposedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNs,
		Subsystem: metricsSubsystem,
		Name:      "chains_composed_total",
		Help:      "Total redirection chains composed",
	})

	TreeNodes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNs,
		Subsystem: metricsSubsystem,
		Name:      "tree_nodes",
		Help:      "Number of nodes per redirection tree",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	})

	ReconstructSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNs,
		Subsystem: metricsSubsystem,
		Name:      "reconstruct_seconds",
		Help:      "Time for reconstructing a complete session in seconds",
		Buckets:   []float64{.005, .01, .025, .05, .075, .1, .25, .5, .75, 1, 2.5, 5, 7.5, 10, 20, 30},
	})
)

func init() {
	prometheus.MustRegister(version.NewCollector("veidemann_redirect_tracer"))
}

const (
	metricsNs        = "veidemann"
	metricsSubsystem = "redirecttracer"
)
