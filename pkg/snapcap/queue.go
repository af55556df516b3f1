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
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned when the request queue is at capacity.
	ErrQueueFull = errors.New("request queue is full")

	// ErrRequestTimeout is returned when a queued request exceeds the timeout.
	ErrRequestTimeout = errors.New("request timeout exceeded")
)

// RequestQueue serializes caption requests against a Captioner. Model
// sessions take one request at a time, so hosts that receive bursts (a
// shutter button mashed, a batch import) queue here instead of eating
// ErrBusy.
type RequestQueue struct {
	maxQueueSize int64         // Max queued requests (0 = unlimited)
	timeout      time.Duration // Queue wait timeout (0 = no timeout)

	// One slot: the model's sessions are exclusive
	sem chan struct{}

	// Metrics
	currentQueued  atomic.Int64
	totalProcessed atomic.Int64
	totalRejected  atomic.Int64
	totalTimedOut  atomic.Int64

	logger *zap.Logger
}

// RequestQueueConfig holds configuration for the request queue.
type RequestQueueConfig struct {
	MaxQueueSize   int           // 0 = unlimited
	RequestTimeout time.Duration // 0 = no timeout
}

// NewRequestQueue creates a request queue with the given configuration.
func NewRequestQueue(config RequestQueueConfig, logger *zap.Logger) *RequestQueue {
	if logger == nil {
		logger = zap.NewNop()
	}

	q := &RequestQueue{
		maxQueueSize: int64(config.MaxQueueSize),
		timeout:      config.RequestTimeout,
		sem:          make(chan struct{}, 1),
		logger:       logger,
	}

	logger.Info("Request queue initialized",
		zap.Int("max_queue_size", config.MaxQueueSize),
		zap.Duration("timeout", config.RequestTimeout))

	return q
}

// Acquire waits for the single processing slot. Returns a release function
// that must be called when the request is done, or an error when the queue
// is full, the wait times out, or the context is cancelled.
func (q *RequestQueue) Acquire(ctx context.Context) (release func(), err error) {
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer func() {
			if err != nil {
				cancel()
			}
		}()
	}

	// Fast path: slot free right now
	select {
	case q.sem <- struct{}{}:
		return q.makeRelease(), nil
	default:
	}

	// Atomically reserve a queue slot using a CAS loop so concurrent
	// arrivals cannot all pass the capacity check before any increments
	if q.maxQueueSize > 0 {
		for {
			queued := q.currentQueued.Load()
			if queued >= q.maxQueueSize {
				q.totalRejected.Add(1)
				q.logger.Warn("Caption request rejected: queue full",
					zap.Int64("queued", queued),
					zap.Int64("max_queue", q.maxQueueSize))
				return nil, ErrQueueFull
			}
			if q.currentQueued.CompareAndSwap(queued, queued+1) {
				break
			}
		}
	} else {
		q.currentQueued.Add(1)
	}
	queueStart := time.Now()

	q.logger.Debug("Caption request queued",
		zap.Int64("queue_depth", q.currentQueued.Load()))

	select {
	case q.sem <- struct{}{}:
		q.currentQueued.Add(-1)
		q.logger.Debug("Caption request dequeued",
			zap.Duration("wait_time", time.Since(queueStart)))
		return q.makeRelease(), nil

	case <-ctx.Done():
		q.currentQueued.Add(-1)
		if ctx.Err() == context.DeadlineExceeded {
			q.totalTimedOut.Add(1)
			q.logger.Warn("Caption request timed out in queue",
				zap.Duration("wait_time", time.Since(queueStart)),
				zap.Duration("timeout", q.timeout))
			return nil, ErrRequestTimeout
		}
		return nil, ctx.Err()
	}
}

// makeRelease creates a release function for an acquired slot.
func (q *RequestQueue) makeRelease() func() {
	return func() {
		q.totalProcessed.Add(1)
		<-q.sem
	}
}

// Stats returns current queue statistics.
func (q *RequestQueue) Stats() QueueStats {
	return QueueStats{
		CurrentQueued:  q.currentQueued.Load(),
		TotalProcessed: q.totalProcessed.Load(),
		TotalRejected:  q.totalRejected.Load(),
		TotalTimedOut:  q.totalTimedOut.Load(),
		MaxQueueSize:   q.maxQueueSize,
	}
}

// QueueStats holds queue statistics.
type QueueStats struct {
	CurrentQueued  int64 `json:"current_queued"`
	TotalProcessed int64 `json:"total_processed"`
	TotalRejected  int64 `json:"total_rejected"`
	TotalTimedOut  int64 `json:"total_timed_out"`
	MaxQueueSize   int64 `json:"max_queue_size"`
}
