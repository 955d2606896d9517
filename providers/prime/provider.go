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

// Package prime runs functions on Prime Intellect GPU pods. It is a
// delegated-build backend: pods pull images some other profile built
// and pushed, and results travel through the shared object store
// because pods have no synchronous invoke path.
package prime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coral-run/coral/errdefs"
	"github.com/coral-run/coral/image"
	"github.com/coral-run/coral/protocol"
	"github.com/coral-run/coral/provider"
	"github.com/coral-run/coral/spec"
	"github.com/coral-run/coral/store"
)

const Type = provider.Type("prime")

func init() {
	provider.Register(Type, loader{})
}

// Options is the [profile.NAME.options] table for prime profiles.
type Options struct {
	APIKey    string `toml:"api_key"`
	APIKeyEnv string `toml:"api_key_env"`
	TeamID    string `toml:"team_id"`
	BaseURL   string `toml:"base_url"`
	// GPUType is the pod type used when a function requests no GPU.
	GPUType string `toml:"gpu_type"`
}

type loader struct{}

func (loader) Load(p *provider.Profile, deps *provider.Deps) (provider.Provider, error) {
	var opts Options
	if err := p.DecodeOptions(&opts); err != nil {
		return nil, err
	}
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, errdefs.Configf("profile %s: prime needs api_key or api_key_env", p.Name)
	}
	if deps.Images == nil {
		return nil, errdefs.Configf("profile %s: prime cannot build images; set image_from to a building profile", p.Name)
	}
	if deps.Store == nil {
		return nil, errdefs.Configf("profile %s: prime needs a store for result transport", p.Name)
	}
	var copts []ClientOption
	if opts.BaseURL != "" {
		copts = append(copts, WithBaseURL(opts.BaseURL))
	}
	return New(NewClient(key, opts.TeamID, copts...), &opts, deps, p.Store), nil
}

// api is the slice of Client the provider exercises.
type api interface {
	AvailableGPUs(ctx context.Context, gpuType string, count int) ([]Offer, error)
	CreatePod(ctx context.Context, req *PodRequest) (*Pod, error)
	GetPod(ctx context.Context, id string) (*Pod, error)
	DeletePod(ctx context.Context, id string) error
}

var _ api = (*Client)(nil)

type Provider struct {
	api      api
	images   provider.ImageEnsurer
	store    store.Store
	storeURL string
	gpuType  string
	log      *zap.Logger

	offerDeadline  time.Duration
	offerPoll      time.Duration
	activeDeadline time.Duration
	activePoll     time.Duration
	resultPoll     time.Duration
	// statusEvery is how many result polls pass between pod health
	// checks.
	statusEvery int
}

func New(client api, opts *Options, deps *provider.Deps, storeURL string) *Provider {
	gpuType := opts.GPUType
	if gpuType == "" {
		gpuType = "CPU_NODE"
	}
	return &Provider{
		api:      client,
		images:   deps.Images,
		store:    deps.Store,
		storeURL: storeURL,
		gpuType:  gpuType,
		log:      deps.Log().Named("prime"),

		offerDeadline:  90 * time.Second,
		offerPoll:      5 * time.Second,
		activeDeadline: 15 * time.Minute,
		activePoll:     5 * time.Second,
		resultPoll:     time.Second,
		statusEvery:    5,
	}
}

func (p *Provider) Name() string { return string(Type) }

// EnsureImage hands off to the building profile named by image_from.
func (p *Provider) EnsureImage(ctx context.Context, is *image.Spec) (image.Ref, error) {
	return p.images.EnsureImage(ctx, is)
}

func (p *Provider) Provision(ctx context.Context, ps *provider.ProvisionSpec) (*provider.Handle, error) {
	if ps.Request == nil || ps.Request.ResultRef == "" {
		return nil, errdefs.Configf("prime pods need the request at provision time")
	}
	gpu, err := spec.ParseGPU(ps.Function.Resources.GPU)
	if err != nil {
		return nil, err
	}
	gpuType, count := gpu.Type, gpu.Count
	if gpuType == "" {
		gpuType, count = p.gpuType, 1
	}

	offer, err := p.selectOffer(ctx, gpuType, count)
	if err != nil {
		return nil, err
	}
	p.log.Debug("offer selected",
		zap.String("cloud_id", offer.CloudID),
		zap.String("gpu_type", offer.GPUType),
		zap.Float64("price", offer.Price()))

	env, err := requestEnv(ps.Request, p.storeURL)
	if err != nil {
		return nil, err
	}
	pod, err := p.api.CreatePod(ctx, &PodRequest{
		Pod: PodSpec{
			CloudID:      offer.CloudID,
			GPUType:      offer.GPUType,
			GPUCount:     count,
			Socket:       offer.Socket,
			Image:        ps.Image.URI,
			DataCenterID: offer.DataCenterID,
			Country:      offer.Country,
			Security:     offer.Security,
			Name:         podName(ps),
			EnvVars:      env,
		},
		Provider: PodProvider{Type: offer.Provider},
	})
	if err != nil {
		return nil, err
	}
	p.log.Debug("pod created", zap.String("pod", pod.ID))

	wctx, cancel := context.WithTimeout(ctx, p.activeDeadline)
	err = p.waitActive(wctx, pod.ID)
	cancel()
	if err != nil {
		// A pod that never activates still bills; tear it down now
		// rather than waiting for Release, which will never see it.
		dctx, dcancel := context.WithTimeout(context.Background(), 30*time.Second)
		if derr := p.api.DeletePod(dctx, pod.ID); derr != nil {
			p.log.Debug("cleanup after failed activation", zap.String("pod", pod.ID), zap.Error(derr))
		}
		dcancel()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &errdefs.ProvisionError{
				Op:  "prime pod " + pod.ID,
				Err: fmt.Errorf("not active within %s", p.activeDeadline),
			}
		}
		return nil, err
	}
	return &provider.Handle{Provider: string(Type), Kind: "pod", ID: pod.ID}, nil
}

// selectOffer polls availability until an offer matches or the
// deadline lapses. No capacity is a quota condition, not an outage.
func (p *Provider) selectOffer(ctx context.Context, gpuType string, count int) (*Offer, error) {
	deadline := time.Now().Add(p.offerDeadline)
	for {
		offers, err := p.api.AvailableGPUs(ctx, gpuType, count)
		if err != nil {
			if !errdefs.Retryable(err) {
				return nil, err
			}
			p.log.Debug("offer query", zap.Error(err))
		} else if best := cheapest(offers); best != nil {
			return best, nil
		}
		if time.Now().After(deadline) {
			return nil, &errdefs.QuotaError{
				Op:  "prime offers",
				Err: fmt.Errorf("no %s x%d capacity within %s", gpuType, count, p.offerDeadline),
			}
		}
		if err := sleep(ctx, p.offerPoll); err != nil {
			return nil, err
		}
	}
}

// cheapest picks the lowest-priced available offer. Offers without a
// quoted price sort last.
func cheapest(offers []Offer) *Offer {
	var best *Offer
	var bestPrice float64
	for i := range offers {
		o := &offers[i]
		if !strings.EqualFold(o.Status, "Available") {
			continue
		}
		price := o.Price()
		if price == 0 {
			price = math.MaxFloat64
		}
		if best == nil || price < bestPrice {
			best, bestPrice = o, price
		}
	}
	return best
}

func (p *Provider) waitActive(ctx context.Context, id string) error {
	last := ""
	for {
		pod, err := p.api.GetPod(ctx, id)
		if err != nil {
			if !errdefs.Retryable(err) {
				return err
			}
			p.log.Debug("pod status query", zap.String("pod", id), zap.Error(err))
		} else {
			status := strings.ToUpper(pod.Status)
			if status != last {
				p.log.Debug("pod status", zap.String("pod", id), zap.String("status", status))
				last = status
			}
			switch status {
			case "ACTIVE":
				return nil
			case "ERROR", "FAILED", "STOPPED", "TERMINATED":
				return &errdefs.ProvisionError{
					Op:  "prime pod " + id,
					Err: fmt.Errorf("pod reached %s before activation", status),
				}
			}
		}
		if err := sleep(ctx, p.activePoll); err != nil {
			return err
		}
	}
}

// Invoke waits for the agent on the pod to write the result object.
// The request itself already travelled in the pod environment, so
// this is purely a read side: poll the store, and every few ticks make
// sure the pod is still alive to write anything at all.
func (p *Provider) Invoke(ctx context.Context, h *provider.Handle, req *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
	if req.ResultRef == "" {
		return nil, errdefs.Configf("prime invoke needs a result ref")
	}
	ticks := 0
	for {
		ok, err := p.store.Exists(ctx, req.ResultRef)
		if err != nil {
			p.log.Debug("result probe", zap.String("ref", req.ResultRef), zap.Error(err))
		} else if ok {
			return protocol.ReadResult(ctx, p.store, req.ResultRef)
		}

		ticks++
		if ticks%p.statusEvery == 0 {
			pod, err := p.api.GetPod(ctx, h.ID)
			switch {
			case err == nil:
				status := strings.ToUpper(pod.Status)
				if status == "ERROR" || status == "FAILED" || status == "STOPPED" || status == "TERMINATED" {
					// The agent may have written the result while the
					// pod wound down; one last read before giving up.
					if ok, _ := p.store.Exists(ctx, req.ResultRef); ok {
						return protocol.ReadResult(ctx, p.store, req.ResultRef)
					}
					return nil, &errdefs.AgentError{
						Msg: fmt.Sprintf("pod %s reached %s without writing a result", h.ID, status),
					}
				}
			case errdefs.IsNotFound(err):
				return nil, &errdefs.AgentError{
					Msg: fmt.Sprintf("pod %s disappeared without writing a result", h.ID),
				}
			default:
				p.log.Debug("pod probe", zap.String("pod", h.ID), zap.Error(err))
			}
		}
		if err := sleep(ctx, p.resultPoll); err != nil {
			return nil, err
		}
	}
}

func (p *Provider) Release(ctx context.Context, h *provider.Handle) error {
	err := p.api.DeletePod(ctx, h.ID)
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func podName(ps *provider.ProvisionSpec) string {
	id := ps.Request.RequestID
	if len(id) > 8 {
		id = id[:8]
	}
	return "coral-" + ps.Function.Name + "-" + id
}

func requestEnv(req *protocol.InvocationRequest, storeURL string) ([]EnvVar, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	vars, err := protocol.EncodeEnv("CORAL_REQUEST", payload)
	if err != nil {
		return nil, err
	}
	vars["CORAL_OBJECT_STORE"] = storeURL
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]EnvVar, 0, len(keys))
	for _, k := range keys {
		env = append(env, EnvVar{Key: k, Value: vars[k]})
	}
	return env, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
