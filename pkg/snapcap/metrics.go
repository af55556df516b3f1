// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package snapcap

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	captionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapcap_captions_total",
		Help: "Total number of successfully generated captions.",
	})

	captionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapcap_caption_errors_total",
		Help: "Total number of caption requests that failed.",
	})

	captionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "snapcap_caption_duration_seconds",
		Help:    "Wall-clock duration of caption requests.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)
