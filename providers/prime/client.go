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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coral-run/coral/errdefs"
)

const DefaultBaseURL = "https://api.primeintellect.ai"

// maxResponseBody bounds how much of an API response we will read.
const maxResponseBody = 4 << 20

// Client speaks the Prime Intellect pods API.
type Client struct {
	base   string
	apiKey string
	teamID string
	http   *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(base string) ClientOption {
	return func(c *Client) { c.base = strings.TrimSuffix(base, "/") }
}

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

func NewClient(apiKey, teamID string, opts ...ClientOption) *Client {
	c := &Client{
		base:   DefaultBaseURL,
		apiKey: apiKey,
		teamID: teamID,
		http:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Offer is one line of GPU availability.
type Offer struct {
	CloudID      string   `json:"cloudId"`
	GPUType      string   `json:"gpuType"`
	GPUCount     int      `json:"gpuCount"`
	Socket       string   `json:"socket,omitempty"`
	Provider     string   `json:"provider,omitempty"`
	DataCenterID string   `json:"dataCenterId,omitempty"`
	Country      string   `json:"country,omitempty"`
	Security     string   `json:"security,omitempty"`
	Status       string   `json:"status,omitempty"`
	Images       []string `json:"images,omitempty"`
	Prices       Prices   `json:"prices,omitempty"`
}

type Prices struct {
	OnDemand  float64 `json:"onDemand,omitempty"`
	Community float64 `json:"communityPrice,omitempty"`
}

// Price reports the hourly rate, preferring on-demand. Zero means the
// offer did not quote one.
func (o *Offer) Price() float64 {
	if o.Prices.OnDemand > 0 {
		return o.Prices.OnDemand
	}
	return o.Prices.Community
}

type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type PodSpec struct {
	CloudID      string   `json:"cloudId,omitempty"`
	GPUType      string   `json:"gpuType"`
	GPUCount     int      `json:"gpuCount"`
	Socket       string   `json:"socket,omitempty"`
	Image        string   `json:"image"`
	DataCenterID string   `json:"dataCenterId,omitempty"`
	Country      string   `json:"country,omitempty"`
	Security     string   `json:"security,omitempty"`
	Name         string   `json:"name,omitempty"`
	EnvVars      []EnvVar `json:"envVars,omitempty"`
}

type PodProvider struct {
	Type string `json:"type"`
}

type PodTeam struct {
	TeamID string `json:"teamId"`
}

type PodRequest struct {
	Pod      PodSpec     `json:"pod"`
	Provider PodProvider `json:"provider"`
	Team     *PodTeam    `json:"team,omitempty"`
}

type Pod struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
}

func (c *Client) AvailableGPUs(ctx context.Context, gpuType string, count int) ([]Offer, error) {
	q := url.Values{}
	q.Set("gpu_type", gpuType)
	q.Set("gpu_count", strconv.Itoa(count))
	var offers []Offer
	if err := c.do(ctx, http.MethodGet, "/api/v1/availability/gpus", q, nil, &offers); err != nil {
		return nil, err
	}
	return offers, nil
}

func (c *Client) CreatePod(ctx context.Context, req *PodRequest) (*Pod, error) {
	if req.Team == nil && c.teamID != "" {
		req.Team = &PodTeam{TeamID: c.teamID}
	}
	var pod Pod
	if err := c.do(ctx, http.MethodPost, "/api/v1/pods", nil, req, &pod); err != nil {
		return nil, err
	}
	return &pod, nil
}

func (c *Client) GetPod(ctx context.Context, id string) (*Pod, error) {
	var pod Pod
	if err := c.do(ctx, http.MethodGet, "/api/v1/pods/"+url.PathEscape(id), nil, nil, &pod); err != nil {
		return nil, err
	}
	return &pod, nil
}

func (c *Client) DeletePod(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/pods/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	op := method + " " + path
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal: %w", op, err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.teamID != "" {
		req.Header.Set("X-Prime-Team-ID", c.teamID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &errdefs.TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &errdefs.TransientError{Op: op, Err: err}
	}
	if resp.StatusCode/100 != 2 {
		return classifyStatus(op, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := unwrap(data, out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

func classifyStatus(op string, code int, body []byte) error {
	err := fmt.Errorf("%s", errMessage(body, code))
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &errdefs.AuthError{Op: op, Err: err}
	case code == http.StatusNotFound:
		return &errdefs.NotFoundError{Kind: "prime resource", Ref: op}
	case code == http.StatusTooManyRequests:
		return &errdefs.QuotaError{Op: op, Err: err}
	case code >= 500:
		return &errdefs.TransientError{Op: op, Err: err}
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return errdefs.Configf("%s: %s", op, err)
	default:
		return fmt.Errorf("%s: status %d: %s", op, code, err)
	}
}

func errMessage(body []byte, code int) string {
	var e struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil {
		for _, s := range []string{e.Detail, e.Message, e.Error} {
			if s != "" {
				return s
			}
		}
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return http.StatusText(code)
}

// unwrap decodes a response that may or may not be wrapped in a data
// envelope.
func unwrap(raw []byte, out interface{}) error {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err == nil {
		if trim := bytes.TrimSpace(env.Data); len(trim) > 0 && (trim[0] == '{' || trim[0] == '[') {
			return json.Unmarshal(trim, out)
		}
	}
	return json.Unmarshal(raw, out)
}
