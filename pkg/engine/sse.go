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

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kadirpekel/tabula/pkg/billing"
	"github.com/kadirpekel/tabula/pkg/observability"
)

// SSEWriter streams events as server-sent events and accounts the
// egress bytes it writes.
type SSEWriter struct {
	ctx     context.Context
	w       http.ResponseWriter
	flusher http.Flusher
	billing *billing.Accumulator
	metrics *observability.Metrics
}

// NewSSEWriter prepares w for an SSE response. It fails when w does
// not support flushing.
func NewSSEWriter(ctx context.Context, w http.ResponseWriter, acc *billing.Accumulator, metrics *observability.Metrics) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &SSEWriter{ctx: ctx, w: w, flusher: flusher, billing: acc, metrics: metrics}, nil
}

// Send writes one event frame.
func (s *SSEWriter) Send(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.write(payload)
}

// Done writes the terminal [DONE] frame.
func (s *SSEWriter) Done() error {
	return s.write([]byte("[DONE]"))
}

func (s *SSEWriter) write(payload []byte) error {
	n, err := fmt.Fprintf(s.w, "data: %s\n\n", payload)
	if n > 0 {
		s.billing.Add(int64(n))
		s.metrics.RecordEgress(s.ctx, int64(n))
	}
	if err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
