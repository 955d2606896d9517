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

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coral-run/coral/errdefs"
)

const hubBase = "https://hub.docker.com"

// Hub looks tags up through the Docker Hub HTTP API. Pushes still go
// through the docker CLI; Hub only answers existence and digest
// queries.
type Hub struct {
	client *http.Client
	base   string
	token  string
}

var _ Registry = (*Hub)(nil)

type HubOption func(*Hub)

func WithHubToken(token string) HubOption {
	return func(h *Hub) { h.token = token }
}

func WithHubBase(base string) HubOption {
	return func(h *Hub) { h.base = base }
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		client: &http.Client{Timeout: 30 * time.Second},
		base:   hubBase,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type hubTag struct {
	Name   string `json:"name"`
	Digest string `json:"digest"`
	Size   int64  `json:"full_size"`
	Images []struct {
		Digest string `json:"digest"`
	} `json:"images"`
}

func (h *Hub) get(ctx context.Context, repo, tag string) (*hubTag, error) {
	endpoint := fmt.Sprintf("%s/v2/repositories/%s/tags/%s", h.base, repo, url.PathEscape(tag))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &errdefs.TransientError{Op: "hub lookup", Err: err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &errdefs.AuthError{Op: "hub lookup", Err: fmt.Errorf("%s: %s", endpoint, resp.Status)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &errdefs.QuotaError{Op: "hub lookup", Err: fmt.Errorf("%s: %s", endpoint, resp.Status)}
	case resp.StatusCode >= 500:
		return nil, &errdefs.TransientError{Op: "hub lookup", Err: fmt.Errorf("%s: %s", endpoint, resp.Status)}
	default:
		return nil, &errdefs.RegistryError{Op: "hub lookup", Err: fmt.Errorf("%s: %s", endpoint, resp.Status)}
	}
	var decoded hubTag
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &errdefs.RegistryError{Op: "hub decode", Err: err}
	}
	return &decoded, nil
}

func (h *Hub) Exists(ctx context.Context, repo, tag string) (bool, error) {
	found, err := h.get(ctx, repo, tag)
	if err != nil {
		return false, err
	}
	return found != nil, nil
}

func (h *Hub) Inspect(ctx context.Context, repo, tag string) (*Manifest, error) {
	found, err := h.get(ctx, repo, tag)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, &errdefs.NotFoundError{Kind: "image tag", Ref: repo + ":" + tag}
	}
	m := &Manifest{Digest: found.Digest, Size: found.Size}
	if m.Digest == "" && len(found.Images) > 0 {
		m.Digest = found.Images[0].Digest
	}
	return m, nil
}

func (h *Hub) Ref(repo, tag string) string {
	return "docker.io/" + repo + ":" + tag
}
