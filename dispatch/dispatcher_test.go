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

package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coral-run/coral/errdefs"
	"github.com/coral-run/coral/image"
	"github.com/coral-run/coral/protocol"
	"github.com/coral-run/coral/provider"
	"github.com/coral-run/coral/spec"
)

type fakeProvider struct {
	mu sync.Mutex

	ensures   int
	ensureErr error

	provisions    int
	provisionErrs []error
	lastSpec      *provider.ProvisionSpec

	invokes  int
	invokeFn func(ctx context.Context, h *provider.Handle, req *protocol.InvocationRequest) (*protocol.InvocationResult, error)

	releases []string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) EnsureImage(ctx context.Context, is *image.Spec) (image.Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	if f.ensureErr != nil {
		return image.Ref{}, f.ensureErr
	}
	return image.Ref{URI: "reg.example.com/coral:coral-abc"}, nil
}

func (f *fakeProvider) Provision(ctx context.Context, ps *provider.ProvisionSpec) (*provider.Handle, error) {
	f.mu.Lock()
	i := f.provisions
	f.provisions++
	f.lastSpec = ps
	var err error
	if i < len(f.provisionErrs) {
		err = f.provisionErrs[i]
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &provider.Handle{Provider: "fake", Kind: "unit", ID: "h-1"}, nil
}

func (f *fakeProvider) Invoke(ctx context.Context, h *provider.Handle, req *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
	f.mu.Lock()
	f.invokes++
	fn := f.invokeFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, h, req)
	}
	return protocol.OKResult(req.RequestID, []byte(`"ok"`)), nil
}

func (f *fakeProvider) Release(ctx context.Context, h *provider.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, h.ID)
	return nil
}

func (f *fakeProvider) released() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.releases...)
}

func testDispatcher(p provider.Provider) *Dispatcher {
	d := New(p, zap.NewNop())
	d.provisionBackoff = time.Millisecond
	return d
}

func testFunction() *spec.Function {
	return &spec.Function{
		AppName:    "demo",
		Name:       "encode",
		Image:      image.FromBase("python:3.11-slim").AptInstall("ffmpeg").Spec(),
		Resources:  spec.DefaultResources(),
		BuildImage: true,
	}
}

func TestExecuteHappyPath(t *testing.T) {
	fake := &fakeProvider{}
	d := testDispatcher(fake)

	req := &protocol.InvocationRequest{}
	res, err := d.Execute(context.Background(), testFunction(), req)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, res.Status)

	assert.NotEmpty(t, req.RequestID)
	assert.Equal(t, "results/"+req.RequestID+".json", req.ResultRef)
	assert.Equal(t, protocol.CodecJSON, req.Codec)
	assert.Equal(t, "demo/encode", req.Function)

	assert.Equal(t, 1, fake.ensures)
	assert.Equal(t, 1, fake.provisions)
	assert.Equal(t, 1, fake.invokes)
	assert.Equal(t, []string{"h-1"}, fake.released())

	stats := d.Stats()
	assert.EqualValues(t, 1, stats.Invocations)
	assert.EqualValues(t, 0, stats.FunctionErrors)
	assert.EqualValues(t, 0, stats.InFlight)
}

// Functions that opt out of the build must run on the bare base image
// with setup steps attached; the resolver must never be touched.
func TestSkipBuildNeverResolves(t *testing.T) {
	fake := &fakeProvider{}
	d := testDispatcher(fake)

	fn := testFunction()
	fn.BuildImage = false
	fn.Image = image.FromBase("python:3.11-slim").
		AptInstall("ffmpeg").
		PipInstall("requests").
		Env(map[string]string{"TZ": "UTC"}).
		Workdir("/srv").
		Spec()

	req := &protocol.InvocationRequest{}
	_, err := d.Execute(context.Background(), fn, req)
	require.NoError(t, err)

	assert.Equal(t, 0, fake.ensures)
	assert.Equal(t, "python:3.11-slim", fake.lastSpec.Image.URI)
	require.Len(t, req.SetupSteps, 4)
	assert.Equal(t, protocol.SetupApt, req.SetupSteps[0].Kind)
	assert.Equal(t, []string{"ffmpeg"}, req.SetupSteps[0].Names)
	assert.Equal(t, protocol.SetupPip, req.SetupSteps[1].Kind)
	assert.Equal(t, protocol.SetupEnv, req.SetupSteps[2].Kind)
	assert.Equal(t, protocol.SetupWorkdir, req.SetupSteps[3].Kind)
}

func TestProvisionRetriesTransient(t *testing.T) {
	fake := &fakeProvider{provisionErrs: []error{
		&errdefs.TransientError{Op: "create", Err: errors.New("socket reset")},
		&errdefs.QuotaError{Op: "create", Err: errors.New("rate exceeded")},
	}}
	d := testDispatcher(fake)

	res, err := d.Execute(context.Background(), testFunction(), &protocol.InvocationRequest{})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, res.Status)
	assert.Equal(t, 3, fake.provisions)
	assert.Equal(t, []string{"h-1"}, fake.released())
}

func TestProvisionGivesUpAfterBudget(t *testing.T) {
	transient := &errdefs.TransientError{Op: "create", Err: errors.New("socket reset")}
	fake := &fakeProvider{provisionErrs: []error{transient, transient, transient}}
	d := testDispatcher(fake)

	_, err := d.Execute(context.Background(), testFunction(), &protocol.InvocationRequest{})
	require.Error(t, err)
	assert.Equal(t, 3, fake.provisions)
	assert.Empty(t, fake.released())
	assert.EqualValues(t, 1, d.Stats().OtherErrors)
}

// Bad credentials must fail on the first attempt with the provider's
// message untouched.
func TestProvisionAuthFailsFast(t *testing.T) {
	fake := &fakeProvider{provisionErrs: []error{
		&errdefs.AuthError{Op: "sts", Err: errors.New("signature mismatch for key AKIA123")},
	}}
	d := testDispatcher(fake)

	_, err := d.Execute(context.Background(), testFunction(), &protocol.InvocationRequest{})
	var auth *errdefs.AuthError
	require.True(t, errors.As(err, &auth), "got %v", err)
	assert.Contains(t, err.Error(), "signature mismatch for key AKIA123")
	assert.Equal(t, 1, fake.provisions)
	assert.Empty(t, fake.released())
}

func TestTimeoutTearsDownOnce(t *testing.T) {
	fake := &fakeProvider{}
	fake.invokeFn = func(ctx context.Context, h *provider.Handle, req *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	d := testDispatcher(fake)

	fn := testFunction()
	fn.Resources.Timeout = 20 * time.Millisecond
	req := &protocol.InvocationRequest{}
	_, err := d.Execute(context.Background(), fn, req)

	var timeout *errdefs.TimeoutError
	require.True(t, errors.As(err, &timeout), "got %v", err)
	assert.Equal(t, req.RequestID, timeout.RequestID)
	assert.Equal(t, 20*time.Millisecond, timeout.After)
	assert.Equal(t, []string{"h-1"}, fake.released())
	assert.EqualValues(t, 1, d.Stats().Timeouts)
}

// A caller cancel is not a timeout; the raw context error surfaces and
// teardown still runs.
func TestCallerCancelIsNotTimeout(t *testing.T) {
	fake := &fakeProvider{}
	fake.invokeFn = func(ctx context.Context, h *provider.Handle, req *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	d := testDispatcher(fake)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := d.Execute(ctx, testFunction(), &protocol.InvocationRequest{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"h-1"}, fake.released())
	assert.EqualValues(t, 0, d.Stats().Timeouts)
}

// A status=error result is an answer from the function, not an
// infrastructure failure: no retry, counted as a function error, and
// the remote type and message survive unchanged.
func TestFunctionErrorNotRetried(t *testing.T) {
	fake := &fakeProvider{}
	fake.invokeFn = func(ctx context.Context, h *provider.Handle, req *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
		return protocol.ErrorResult(req.RequestID, "ValueError", "bad frame at offset 12"), nil
	}
	d := testDispatcher(fake)

	fn := testFunction()
	fn.Resources.Retries = 3
	res, err := d.Execute(context.Background(), fn, &protocol.InvocationRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.invokes)
	assert.Equal(t, []string{"h-1"}, fake.released())

	var exec *errdefs.ExecutionError
	require.True(t, errors.As(res.Err(), &exec))
	assert.Equal(t, "ValueError", exec.Type)
	assert.Equal(t, "bad frame at offset 12", exec.Message)
	assert.EqualValues(t, 1, d.Stats().FunctionErrors)
}

func TestInvokeRetriesInfraErrors(t *testing.T) {
	fake := &fakeProvider{}
	calls := 0
	fake.invokeFn = func(ctx context.Context, h *provider.Handle, req *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
		calls++
		if calls <= 2 {
			return nil, &errdefs.TransientError{Op: "invoke", Err: errors.New("connection reset")}
		}
		return protocol.OKResult(req.RequestID, []byte(`1`)), nil
	}
	d := testDispatcher(fake)

	fn := testFunction()
	fn.Resources.Retries = 2
	req := &protocol.InvocationRequest{}
	res, err := d.Execute(context.Background(), fn, req)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, res.Status)
	assert.Equal(t, 3, fake.invokes)
	assert.Equal(t, "2", req.Labels["attempt"])
	assert.Equal(t, []string{"h-1"}, fake.released())
}

func TestInvokeRetryBudgetExhausted(t *testing.T) {
	fake := &fakeProvider{}
	fake.invokeFn = func(ctx context.Context, h *provider.Handle, req *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
		return nil, &errdefs.TransientError{Op: "invoke", Err: errors.New("connection reset")}
	}
	d := testDispatcher(fake)

	fn := testFunction()
	fn.Resources.Retries = 1
	_, err := d.Execute(context.Background(), fn, &protocol.InvocationRequest{})
	require.Error(t, err)
	assert.True(t, errdefs.Retryable(err))
	assert.Equal(t, 2, fake.invokes)
	assert.Equal(t, []string{"h-1"}, fake.released())
}

func TestDetachSkipsTeardown(t *testing.T) {
	fake := &fakeProvider{}
	entered := make(chan struct{}, 1)
	fake.invokeFn = func(ctx context.Context, h *provider.Handle, req *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	d := testDispatcher(fake)

	fl := d.Submit(context.Background(), testFunction(), &protocol.InvocationRequest{})
	<-entered
	fl.Detach()

	_, err := fl.Wait(context.Background())
	require.ErrorIs(t, err, ErrDetached)
	assert.Empty(t, fake.released())
}

func TestSubmitWaitRoundTrip(t *testing.T) {
	fake := &fakeProvider{}
	d := testDispatcher(fake)

	fl := d.Submit(context.Background(), testFunction(), &protocol.InvocationRequest{})
	res, err := fl.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, res.Status)
	assert.Equal(t, []string{"h-1"}, fake.released())
}

// Dispatched closes once the request is on compute, and never closes
// when the flight dies before that.
func TestDispatchedSignal(t *testing.T) {
	fake := &fakeProvider{}
	gate := make(chan struct{})
	fake.invokeFn = func(ctx context.Context, h *provider.Handle, req *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
		<-gate
		return protocol.OKResult(req.RequestID, []byte(`1`)), nil
	}
	d := testDispatcher(fake)

	fl := d.Submit(context.Background(), testFunction(), &protocol.InvocationRequest{})
	select {
	case <-fl.Dispatched():
	case <-time.After(5 * time.Second):
		t.Fatal("flight never reached DISPATCHED")
	}
	close(gate)
	_, err := fl.Wait(context.Background())
	require.NoError(t, err)

	failed := d.Submit(context.Background(), testFunction(), &protocol.InvocationRequest{Codec: "msgpack/v9"})
	<-failed.Done()
	select {
	case <-failed.Dispatched():
		t.Fatal("failed flight reported dispatch")
	default:
	}
}

func TestRejectsUnknownCodec(t *testing.T) {
	fake := &fakeProvider{}
	d := testDispatcher(fake)

	_, err := d.Execute(context.Background(), testFunction(), &protocol.InvocationRequest{Codec: "msgpack/v9"})
	var conf *errdefs.ConfigError
	require.True(t, errors.As(err, &conf))
	assert.Equal(t, 0, fake.ensures)
	assert.Equal(t, 0, fake.provisions)
}

func TestMaxInFlightHighWater(t *testing.T) {
	fake := &fakeProvider{}
	var arrived sync.WaitGroup
	arrived.Add(2)
	gate := make(chan struct{})
	fake.invokeFn = func(ctx context.Context, h *provider.Handle, req *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
		arrived.Done()
		<-gate
		return protocol.OKResult(req.RequestID, []byte(`1`)), nil
	}
	d := testDispatcher(fake)

	fl1 := d.Submit(context.Background(), testFunction(), &protocol.InvocationRequest{})
	fl2 := d.Submit(context.Background(), testFunction(), &protocol.InvocationRequest{})
	arrived.Wait()
	close(gate)

	_, err1 := fl1.Wait(context.Background())
	_, err2 := fl2.Wait(context.Background())
	require.NoError(t, err1)
	require.NoError(t, err2)

	stats := d.Stats()
	assert.EqualValues(t, 2, stats.Invocations)
	assert.EqualValues(t, 2, stats.MaxInFlight)
	assert.EqualValues(t, 0, stats.InFlight)
}
