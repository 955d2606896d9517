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

package coral

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/coral-run/coral/dispatch"
	"github.com/coral-run/coral/protocol"
	"github.com/coral-run/coral/tracing"
)

// Returned wraps a function's serialized return value. Decode it into
// the type the caller expects.
type Returned struct {
	Value protocol.Value
}

func (r *Returned) Decode(out interface{}) error {
	if len(r.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Value, out); err != nil {
		return fmt.Errorf("decoding return value: %w", err)
	}
	return nil
}

// Remote runs the function on the session's backend and blocks for
// the outcome. A failure raised by the function comes back as
// *errdefs.ExecutionError; infrastructure failures pass through with
// their taxonomy type intact.
func (h *FunctionHandle) Remote(ctx context.Context, args ...interface{}) (*Returned, error) {
	vals, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}
	return h.remoteValues(ctx, vals)
}

func (h *FunctionHandle) remoteValues(ctx context.Context, vals []protocol.Value) (*Returned, error) {
	sess, err := h.app.session()
	if err != nil {
		return nil, err
	}
	req, err := h.buildRequest(ctx, sess, vals)
	if err != nil {
		return nil, err
	}
	res, err := sess.disp.Execute(ctx, h.fn, req)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return &Returned{Value: res.Value}, nil
}

// Spawn starts the invocation and returns immediately. The caller
// waits on the Pending, or detaches and lets the compute keep running.
func (h *FunctionHandle) Spawn(ctx context.Context, args ...interface{}) (*Pending, error) {
	vals, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}
	return h.spawnValues(ctx, vals)
}

func (h *FunctionHandle) spawnValues(ctx context.Context, vals []protocol.Value) (*Pending, error) {
	sess, err := h.app.session()
	if err != nil {
		return nil, err
	}
	req, err := h.buildRequest(ctx, sess, vals)
	if err != nil {
		return nil, err
	}
	fl := sess.disp.Submit(ctx, h.fn, req)
	return &Pending{flight: fl, requestID: req.RequestID}, nil
}

// Local runs the handler in-process, round-tripping arguments and the
// result through the same serialization the wire uses. Dev and test
// path; no session required.
func (h *FunctionHandle) Local(ctx context.Context, args ...interface{}) (*Returned, error) {
	vals, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}
	req := &protocol.InvocationRequest{
		RequestID: uuid.NewString(),
		Function:  h.fn.Qualified(),
		Args:      vals,
		Codec:     protocol.CodecJSON,
		Version:   protocol.Version,
	}
	res := h.h.call(ctx, req)
	if err := res.Err(); err != nil {
		return nil, err
	}
	return &Returned{Value: res.Value}, nil
}

func (h *FunctionHandle) buildRequest(ctx context.Context, sess *Session, vals []protocol.Value) (*protocol.InvocationRequest, error) {
	key, err := sess.ensureBundle(ctx)
	if err != nil {
		return nil, err
	}
	return &protocol.InvocationRequest{
		RequestID: uuid.NewString(),
		Function:  h.fn.Qualified(),
		Args:      vals,
		Codec:     protocol.CodecJSON,
		Bundle:    key,
		Labels:    map[string]string{"app": h.app.Name},
		Trace:     tracing.PropagationFromContext(ctx),
		Version:   protocol.Version,
	}, nil
}

func encodeArgs(args []interface{}) ([]protocol.Value, error) {
	if len(args) == 0 {
		return nil, nil
	}
	vals := make([]protocol.Value, len(args))
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encoding argument %d: %w", i, err)
		}
		vals[i] = data
	}
	return vals, nil
}

// Pending is an invocation in flight.
type Pending struct {
	flight    *dispatch.Flight
	requestID string
}

func (p *Pending) RequestID() string { return p.requestID }

// Dispatched is closed once the request has been handed to compute.
// It never closes for flights that fail earlier; select on Done too.
func (p *Pending) Dispatched() <-chan struct{} { return p.flight.Dispatched() }

// Done is closed when the invocation settles.
func (p *Pending) Done() <-chan struct{} { return p.flight.Done() }

// Wait blocks for the outcome, mapping it exactly as Remote does.
func (p *Pending) Wait(ctx context.Context) (*Returned, error) {
	res, err := p.flight.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return &Returned{Value: res.Value}, nil
}

// Detach abandons the invocation without tearing its compute down.
// The dispatcher logs the provider handle for manual reap.
func (p *Pending) Detach() {
	p.flight.Detach()
}
