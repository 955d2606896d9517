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

// Package dispatch drives one invocation through its lifecycle:
// resolve the image, provision compute, dispatch the request, wait for
// the result, tear the compute down. The dispatcher owns retry policy
// and the wall-clock timeout; providers only report what happened.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coral-run/coral/errdefs"
	"github.com/coral-run/coral/image"
	"github.com/coral-run/coral/protocol"
	"github.com/coral-run/coral/provider"
	"github.com/coral-run/coral/spec"
	"github.com/coral-run/coral/tracing"
)

// State names one phase of an invocation. Terminal states are
// COMPLETED, FAILED and TIMED_OUT.
type State string

const (
	StateCreated             State = "CREATED"
	StateImageResolving      State = "IMAGE_RESOLVING"
	StateComputeProvisioning State = "COMPUTE_PROVISIONING"
	StateDispatched          State = "DISPATCHED"
	StateAwaitingResult      State = "AWAITING_RESULT"
	StateCompleted           State = "COMPLETED"
	StateFailed              State = "FAILED"
	StateTimedOut            State = "TIMED_OUT"
)

// ErrDetached is returned for invocations the caller walked away from.
var ErrDetached = errors.New("invocation detached")

type Dispatcher struct {
	provider provider.Provider
	log      *zap.Logger
	stats    Stats

	provisionAttempts int
	provisionBackoff  time.Duration
	releaseTimeout    time.Duration
}

func New(p provider.Provider, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		provider:          p,
		log:               log.Named("dispatch"),
		provisionAttempts: 3,
		provisionBackoff:  500 * time.Millisecond,
		releaseTimeout:    30 * time.Second,
	}
}

func (d *Dispatcher) Stats() Stats {
	return d.stats.Snapshot()
}

// Execute runs one invocation start to finish and blocks for the
// outcome. Submit is the asynchronous variant.
func (d *Dispatcher) Execute(ctx context.Context, fn *spec.Function, req *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
	return d.run(ctx, fn, req, nil)
}

// Submit starts an invocation the caller can wait on or abandon.
func (d *Dispatcher) Submit(ctx context.Context, fn *spec.Function, req *protocol.InvocationRequest) *Flight {
	fl := &Flight{
		done:       make(chan struct{}),
		detach:     make(chan struct{}),
		dispatched: make(chan struct{}),
	}
	go func() {
		defer close(fl.done)
		ictx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-fl.detach:
				cancel()
			case <-ictx.Done():
			}
		}()
		fl.res, fl.err = d.run(ictx, fn, req, fl)
	}()
	return fl
}

// Flight is an invocation in progress.
type Flight struct {
	done       chan struct{}
	detach     chan struct{}
	dispatched chan struct{}
	once       sync.Once
	markOnce   sync.Once

	res *protocol.InvocationResult
	err error
}

// Done is closed when the invocation settles.
func (f *Flight) Done() <-chan struct{} { return f.done }

// Dispatched is closed once the request has been handed to compute.
// A flight that fails earlier never closes it; select on Done too.
func (f *Flight) Dispatched() <-chan struct{} { return f.dispatched }

func (f *Flight) markDispatched() {
	f.markOnce.Do(func() { close(f.dispatched) })
}

// Wait blocks until the invocation settles or ctx ends.
func (f *Flight) Wait(ctx context.Context) (*protocol.InvocationResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.res, f.err
	}
}

// Detach abandons the invocation: the dispatcher stops waiting and
// leaves the compute running. The handle is logged so the operator can
// reap it later.
func (f *Flight) Detach() {
	f.once.Do(func() { close(f.detach) })
}

func (f *Flight) detached() bool {
	select {
	case <-f.detach:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) run(ctx context.Context, fn *spec.Function, req *protocol.InvocationRequest, fl *Flight) (*protocol.InvocationResult, error) {
	ctx, sb := tracing.StartSpan(ctx, "dispatch")
	defer sb.End()

	atomic.AddUint64(&d.stats.Invocations, 1)
	inflight := atomic.AddUint64(&d.stats.InFlight, 1)
	defer atomic.AddUint64(&d.stats.InFlight, ^uint64(0))
	for {
		oldmax := atomic.LoadUint64(&d.stats.MaxInFlight)
		if inflight <= oldmax {
			break
		}
		if atomic.CompareAndSwapUint64(&d.stats.MaxInFlight, oldmax, inflight) {
			break
		}
	}

	res, err := d.execute(ctx, fn, req, fl)
	switch {
	case err != nil:
		var timeout *errdefs.TimeoutError
		if errors.As(err, &timeout) {
			atomic.AddUint64(&d.stats.Timeouts, 1)
		} else if !errors.Is(err, ErrDetached) {
			atomic.AddUint64(&d.stats.OtherErrors, 1)
		}
		sb.SetLabel("error", err.Error())
	case res.Status == protocol.StatusError:
		atomic.AddUint64(&d.stats.FunctionErrors, 1)
	}
	return res, err
}

func (d *Dispatcher) execute(ctx context.Context, fn *spec.Function, req *protocol.InvocationRequest, fl *Flight) (*protocol.InvocationResult, error) {
	if err := prepare(fn, req); err != nil {
		return nil, err
	}
	log := d.log.With(
		zap.String("request_id", req.RequestID),
		zap.String("function", fn.Qualified()),
	)
	state := StateCreated
	advance := func(next State) {
		log.Debug("transition", zap.String("from", string(state)), zap.String("to", string(next)))
		state = next
	}

	var img image.Ref
	if fn.BuildImage {
		advance(StateImageResolving)
		var err error
		if img, err = d.provider.EnsureImage(ctx, fn.Image); err != nil {
			advance(StateFailed)
			return nil, err
		}
	} else {
		// Skip-build functions run on the bare base image; the agent
		// applies their setup steps at cold start instead.
		img = image.Ref{URI: fn.Image.BaseImage}
	}

	advance(StateComputeProvisioning)
	handle, err := d.provision(ctx, &provider.ProvisionSpec{Function: fn, Image: img, Request: req}, log)
	if err != nil {
		advance(StateFailed)
		return nil, err
	}
	log = log.With(zap.String("handle", handle.ID))

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		// Fresh context: teardown must still run when the caller's
		// context is already dead.
		rctx, cancel := context.WithTimeout(context.Background(), d.releaseTimeout)
		defer cancel()
		if rerr := d.provider.Release(rctx, handle); rerr != nil {
			log.Warn("release", zap.Error(rerr))
		}
	}
	defer func() {
		if fl != nil && fl.detached() {
			log.Info("detached, compute left running",
				zap.String("provider", handle.Provider),
				zap.String("kind", handle.Kind),
				zap.String("id", handle.ID))
			return
		}
		release()
	}()

	advance(StateDispatched)
	if fl != nil {
		fl.markDispatched()
	}
	timeout := fn.Resources.Timeout
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	advance(StateAwaitingResult)
	res, err := d.invoke(tctx, handle, req, fn.Resources.Retries, log)
	if err != nil {
		if fl != nil && fl.detached() {
			return nil, ErrDetached
		}
		if errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			advance(StateTimedOut)
			release()
			return nil, &errdefs.TimeoutError{RequestID: req.RequestID, After: timeout}
		}
		advance(StateFailed)
		return nil, err
	}

	tracing.SubmitAll(ctx, res.InlineSpans)
	advance(StateCompleted)
	release()
	return res, nil
}

// prepare validates the caller's declaration and fills the fields the
// dispatcher assigns.
func prepare(fn *spec.Function, req *protocol.InvocationRequest) error {
	if fn == nil || req == nil {
		return errdefs.Configf("nil function or request")
	}
	if err := fn.Validate(); err != nil {
		return err
	}
	switch req.Codec {
	case "":
		req.Codec = protocol.CodecJSON
	case protocol.CodecJSON:
	default:
		return errdefs.Configf("unknown codec %q", req.Codec)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.ResultRef == "" {
		req.ResultRef = "results/" + req.RequestID + ".json"
	}
	if req.Function == "" {
		req.Function = fn.Qualified()
	}
	if !fn.BuildImage && len(req.SetupSteps) == 0 {
		req.SetupSteps = fn.Image.SetupSteps()
	}
	req.Version = protocol.Version
	return nil
}

func (d *Dispatcher) provision(ctx context.Context, ps *provider.ProvisionSpec, log *zap.Logger) (*provider.Handle, error) {
	var lastErr error
	for attempt := 0; attempt < d.provisionAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, jittered(d.provisionBackoff, attempt-1)); err != nil {
				return nil, err
			}
			log.Debug("provision retry", zap.Int("attempt", attempt+1), zap.Error(lastErr))
		}
		h, err := d.provider.Provision(ctx, ps)
		if err == nil {
			return h, nil
		}
		lastErr = err
		if !errdefs.Retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// invoke drives provider.Invoke with the function's retry budget. Only
// infrastructure failures retry: a result saying the function raised
// is an answer, not an outage.
func (d *Dispatcher) invoke(ctx context.Context, h *provider.Handle, req *protocol.InvocationRequest, retries int, log *zap.Logger) (*protocol.InvocationResult, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if req.Labels == nil {
				req.Labels = make(map[string]string)
			}
			req.Labels["attempt"] = strconv.Itoa(attempt)
			log.Debug("invoke retry", zap.Int("attempt", attempt), zap.Error(lastErr))
		}
		res, err := d.provider.Invoke(ctx, h, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !errdefs.Retryable(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func jittered(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	return d + time.Duration(rand.Int63n(int64(d/2)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
