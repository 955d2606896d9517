// Copyright 2025 The Coral Authors
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

package tracing

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/golang/snappy"
)

// MemoryTracer buffers spans in memory. The runtime agent uses one
// per invocation and ships the buffer back on the result.
type MemoryTracer struct {
	mu    sync.Mutex
	spans []Span
}

func NewMemoryTracer() *MemoryTracer {
	return &MemoryTracer{}
}

func (mt *MemoryTracer) Submit(span *Span) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.spans = append(mt.spans, *span)
}

// Close returns the buffered spans. The tracer must not be used
// afterwards.
func (mt *MemoryTracer) Close() []Span {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	spans := mt.spans
	mt.spans = nil
	return spans
}

func CollectSpans(ctx context.Context, fn func(context.Context) error) ([]Span, error) {
	mt := NewMemoryTracer()
	ctx = WithTracer(ctx, mt)
	err := fn(ctx)
	return mt.Close(), err
}

// EncodeSpans packs spans into a snappy-compressed JSON block for
// transport by reference when they are too many to inline.
func EncodeSpans(spans []Span) ([]byte, error) {
	data, err := json.Marshal(spans)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, data), nil
}

func DecodeSpans(block []byte) ([]Span, error) {
	data, err := snappy.Decode(nil, block)
	if err != nil {
		return nil, err
	}
	var spans []Span
	if err := json.Unmarshal(data, &spans); err != nil {
		return nil, err
	}
	return spans, nil
}
