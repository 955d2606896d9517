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

package prime

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
	"github.com/coral-run/coral/store"
)

type fakeAPI struct {
	mu sync.Mutex

	offers    []Offer
	offersErr error

	created   []*PodRequest
	createErr error

	statuses []string
	gets     int
	getErr   error

	deleted   []string
	deleteErr error
}

func (f *fakeAPI) AvailableGPUs(ctx context.Context, gpuType string, count int) ([]Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offersErr != nil {
		return nil, f.offersErr
	}
	return f.offers, nil
}

func (f *fakeAPI) CreatePod(ctx context.Context, req *PodRequest) (*Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	return &Pod{ID: "pod-1", Status: "PENDING"}, nil
}

func (f *fakeAPI) GetPod(ctx context.Context, id string) (*Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	if len(f.statuses) == 0 {
		return &Pod{ID: id, Status: "ACTIVE"}, nil
	}
	i := f.gets
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.gets++
	return &Pod{ID: id, Status: f.statuses[i]}, nil
}

func (f *fakeAPI) DeletePod(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.deleteErr
}

func available(cloudID string, price float64) Offer {
	return Offer{
		CloudID:  cloudID,
		GPUType:  "A100_80GB",
		GPUCount: 2,
		Provider: "runpod",
		Status:   "Available",
		Prices:   Prices{OnDemand: price},
	}
}

func testProvider(t *testing.T, api api, st store.Store) *Provider {
	t.Helper()
	p := New(api, &Options{}, &provider.Deps{Store: st, Logger: zap.NewNop()}, "s3://coral-test/objects")
	p.offerDeadline = 50 * time.Millisecond
	p.offerPoll = time.Millisecond
	p.activeDeadline = time.Second
	p.activePoll = time.Millisecond
	p.resultPoll = time.Millisecond
	p.statusEvery = 2
	return p
}

func testPodSpec() *provider.ProvisionSpec {
	fn := &spec.Function{
		AppName:    "demo",
		Name:       "train",
		Image:      image.FromBase("pytorch/pytorch:2.3.0-cuda12.1-cudnn8-runtime").Spec(),
		Resources:  spec.Resources{CPU: 4, Memory: "16Gi", GPU: "A100_80GB:2", Timeout: time.Hour},
		BuildImage: true,
	}
	return &provider.ProvisionSpec{
		Function: fn,
		Image:    image.Ref{URI: "1.dkr.ecr.us-west-2.amazonaws.com/coral:coral-abc"},
		Request: &protocol.InvocationRequest{
			RequestID: "req-12345678",
			Function:  fn.Qualified(),
			Codec:     protocol.CodecJSON,
			ResultRef: "results/req-12345678.json",
		},
	}
}

func TestProvisionPicksCheapestOffer(t *testing.T) {
	api := &fakeAPI{
		offers: []Offer{
			available("c-pricey", 5.0),
			available("c-cheap", 2.5),
			{CloudID: "c-gone", GPUType: "A100_80GB", Status: "Unavailable", Prices: Prices{OnDemand: 0.1}},
		},
		statuses: []string{"PENDING", "PROVISIONING", "ACTIVE"},
	}
	p := testProvider(t, api, store.InMemory())

	h, err := p.Provision(context.Background(), testPodSpec())
	require.NoError(t, err)
	assert.Equal(t, "prime", h.Provider)
	assert.Equal(t, "pod", h.Kind)
	assert.Equal(t, "pod-1", h.ID)

	require.Len(t, api.created, 1)
	pod := api.created[0].Pod
	assert.Equal(t, "c-cheap", pod.CloudID)
	assert.Equal(t, "A100_80GB", pod.GPUType)
	assert.Equal(t, 2, pod.GPUCount)
	assert.Equal(t, "1.dkr.ecr.us-west-2.amazonaws.com/coral:coral-abc", pod.Image)
	assert.Equal(t, "coral-train-req-1234", pod.Name)
	assert.Equal(t, "runpod", api.created[0].Provider.Type)

	env := map[string]string{}
	for _, kv := range pod.EnvVars {
		env[kv.Key] = kv.Value
	}
	assert.Equal(t, "s3://coral-test/objects", env["CORAL_OBJECT_STORE"])
	assert.Contains(t, env, "CORAL_REQUEST_0000")
}

func TestProvisionNoCapacityIsQuota(t *testing.T) {
	api := &fakeAPI{}
	p := testProvider(t, api, store.InMemory())
	p.offerDeadline = 10 * time.Millisecond

	_, err := p.Provision(context.Background(), testPodSpec())
	var quota *errdefs.QuotaError
	require.True(t, errors.As(err, &quota), "got %v", err)
	assert.Contains(t, quota.Error(), "A100_80GB")
	assert.Empty(t, api.created)
}

func TestProvisionDeadPodIsCleanedUp(t *testing.T) {
	api := &fakeAPI{
		offers:   []Offer{available("c1", 1.0)},
		statuses: []string{"PENDING", "ERROR"},
	}
	p := testProvider(t, api, store.InMemory())

	_, err := p.Provision(context.Background(), testPodSpec())
	var prov *errdefs.ProvisionError
	require.True(t, errors.As(err, &prov), "got %v", err)
	assert.Contains(t, prov.Error(), "ERROR")
	assert.Equal(t, []string{"pod-1"}, api.deleted)
}

func TestProvisionDefaultsToCPUNode(t *testing.T) {
	api := &fakeAPI{offers: []Offer{{
		CloudID: "c1", GPUType: "CPU_NODE", Status: "Available",
	}}}
	p := testProvider(t, api, store.InMemory())

	ps := testPodSpec()
	ps.Function.Resources.GPU = ""
	_, err := p.Provision(context.Background(), ps)
	require.NoError(t, err)
	require.Len(t, api.created, 1)
	assert.Equal(t, "CPU_NODE", api.created[0].Pod.GPUType)
	assert.Equal(t, 1, api.created[0].Pod.GPUCount)
}

func TestInvokeReadsResultFromStore(t *testing.T) {
	api := &fakeAPI{}
	st := store.InMemory()
	p := testProvider(t, api, st)

	ps := testPodSpec()
	want := &protocol.InvocationResult{
		RequestID: ps.Request.RequestID,
		Status:    protocol.StatusOK,
		Value:     []byte(`{"loss": 0.01}`),
	}
	require.NoError(t, protocol.WriteResult(context.Background(), st, ps.Request.ResultRef, want))

	h := &provider.Handle{Provider: "prime", Kind: "pod", ID: "pod-1"}
	res, err := p.Invoke(context.Background(), h, ps.Request)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, res.Status)
	assert.JSONEq(t, `{"loss": 0.01}`, string(res.Value))
}

func TestInvokeDeadPodWithoutResult(t *testing.T) {
	api := &fakeAPI{statuses: []string{"TERMINATED"}}
	p := testProvider(t, api, store.InMemory())
	p.statusEvery = 1

	h := &provider.Handle{Provider: "prime", Kind: "pod", ID: "pod-1"}
	_, err := p.Invoke(context.Background(), h, testPodSpec().Request)
	var agent *errdefs.AgentError
	require.True(t, errors.As(err, &agent), "got %v", err)
	assert.Contains(t, agent.Msg, "TERMINATED")
}

// A result written during teardown still counts: the pod being gone is
// only a failure when nothing arrived.
func TestInvokeResultWrittenBeforePodDied(t *testing.T) {
	api := &fakeAPI{statuses: []string{"TERMINATED"}}
	st := store.InMemory()
	p := testProvider(t, api, st)
	p.statusEvery = 1

	req := testPodSpec().Request
	res := &protocol.InvocationResult{RequestID: req.RequestID, Status: protocol.StatusOK, Value: []byte(`1`)}
	require.NoError(t, protocol.WriteResult(context.Background(), st, req.ResultRef, res))

	h := &provider.Handle{Provider: "prime", Kind: "pod", ID: "pod-1"}
	got, err := p.Invoke(context.Background(), h, req)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, got.Status)
}

func TestReleaseToleratesMissingPod(t *testing.T) {
	api := &fakeAPI{deleteErr: &errdefs.NotFoundError{Kind: "prime resource", Ref: "DELETE /api/v1/pods/pod-1"}}
	p := testProvider(t, api, store.InMemory())

	h := &provider.Handle{Provider: "prime", Kind: "pod", ID: "pod-1"}
	require.NoError(t, p.Release(context.Background(), h))
	assert.Equal(t, []string{"pod-1"}, api.deleted)
}

func TestReleasePropagatesRealFailures(t *testing.T) {
	api := &fakeAPI{deleteErr: &errdefs.TransientError{Op: "DELETE /api/v1/pods/pod-1", Err: errors.New("bad gateway")}}
	p := testProvider(t, api, store.InMemory())

	err := p.Release(context.Background(), &provider.Handle{ID: "pod-1"})
	require.Error(t, err)
	assert.True(t, errdefs.Retryable(err))
}
