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

// Package tracing records lightweight spans across the dispatch
// pipeline. Spans created inside remote compute are carried back on
// the invocation result and resubmitted into the caller's trace.
package tracing

import "time"

type Span struct {
	SpanId   string             `json:"id"`
	TraceId  string             `json:"trace"`
	ParentId string             `json:"parent,omitempty"`
	Name     string             `json:"name"`
	Start    time.Time          `json:"start"`
	Duration time.Duration      `json:"duration"`
	Labels   map[string]string  `json:"labels,omitempty"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
}

// Propagation is the wire form of a span's identity, attached to
// outbound requests so remote spans join the caller's trace.
type Propagation struct {
	TraceId  string `json:"trace"`
	ParentId string `json:"parent"`
}

type Tracer interface {
	Submit(span *Span)
}

type SpanBuilder struct {
	tracer Tracer
	span   Span
}

func (sp *SpanBuilder) ensureMetrics() {
	if sp.span.Metrics == nil {
		sp.span.Metrics = make(map[string]float64)
	}
}

func (sp *SpanBuilder) ensureLabels() {
	if sp.span.Labels == nil {
		sp.span.Labels = make(map[string]string)
	}
}

func (sp *SpanBuilder) SetMetric(name string, v float64) {
	sp.ensureMetrics()
	sp.span.Metrics[name] = v
}

func (sp *SpanBuilder) IncMetric(name string, delta float64) {
	sp.ensureMetrics()
	sp.span.Metrics[name] += delta
}

func (sp *SpanBuilder) SetLabel(name string, value string) {
	sp.ensureLabels()
	sp.span.Labels[name] = value
}

func (sp *SpanBuilder) End() *Span {
	sp.span.Duration = time.Since(sp.span.Start)
	if sp.tracer != nil {
		sp.tracer.Submit(&sp.span)
	}
	return &sp.span
}

func (sp *SpanBuilder) TraceId() string {
	return sp.span.TraceId
}

func (sp *SpanBuilder) Id() string {
	return sp.span.SpanId
}

// Propagation returns the identity a remote callee should parent its
// spans under.
func (sp *SpanBuilder) Propagation() *Propagation {
	return &Propagation{
		TraceId:  sp.span.TraceId,
		ParentId: sp.span.SpanId,
	}
}

// WillSubmit reports whether ending this span reaches a tracer, so
// callers can skip propagation setup when tracing is off.
func (sp *SpanBuilder) WillSubmit() bool {
	return sp.tracer != nil
}
