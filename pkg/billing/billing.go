// Copyright 2025 Kadir Pekel
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

// Package billing reports streamed egress to a billing backend.
package billing

import (
	"context"
	"log/slog"
	"sync"
)

// bytesPerGB converts accumulated bytes to the gigabytes billed.
const bytesPerGB = 1 << 30

// Collector receives egress events. Implementations must be safe for
// concurrent use.
type Collector interface {
	CreateEgressEvents(ctx context.Context, gigabytes float64) error
}

// Accumulator buffers egress bytes and flushes them to a Collector as
// one event. The zero value is not usable; use NewAccumulator.
type Accumulator struct {
	collector Collector

	mu    sync.Mutex
	bytes int64
}

// NewAccumulator wraps a collector. A nil collector makes every
// operation a no-op.
func NewAccumulator(collector Collector) *Accumulator {
	return &Accumulator{collector: collector}
}

// Add records n egress bytes.
func (a *Accumulator) Add(n int64) {
	if a == nil || a.collector == nil || n <= 0 {
		return
	}
	a.mu.Lock()
	a.bytes += n
	a.mu.Unlock()
}

// Bytes returns the bytes accumulated since the last flush.
func (a *Accumulator) Bytes() int64 {
	if a == nil || a.collector == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bytes
}

// Flush reports the accumulated bytes as an egress event and resets
// the counter. Nothing accumulated means nothing reported.
func (a *Accumulator) Flush(ctx context.Context) error {
	if a == nil || a.collector == nil {
		return nil
	}
	a.mu.Lock()
	bytes := a.bytes
	a.bytes = 0
	a.mu.Unlock()
	if bytes == 0 {
		return nil
	}
	return a.collector.CreateEgressEvents(ctx, float64(bytes)/bytesPerGB)
}

// LogCollector writes egress events to the log. It stands in for a
// real billing backend.
type LogCollector struct {
	Logger *slog.Logger
}

func (c *LogCollector) CreateEgressEvents(ctx context.Context, gigabytes float64) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("egress event", "gigabytes", gigabytes)
	return nil
}
