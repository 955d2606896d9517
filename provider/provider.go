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

// Package provider defines the capability set an execution backend
// offers. Backends are a flat capability surface, not a hierarchy: a
// delegated-build backend satisfies EnsureImage by borrowing another
// backend's implementation and keeps the rest its own.
package provider

import (
	"context"

	"github.com/coral-run/coral/image"
	"github.com/coral-run/coral/protocol"
	"github.com/coral-run/coral/spec"
)

type Provider interface {
	Name() string
	// EnsureImage resolves a spec to a pushed image, building it if
	// needed. Functions with BuildImage=false never reach this.
	EnsureImage(ctx context.Context, spec *image.Spec) (image.Ref, error)
	// Provision acquires compute able to run the function. Fabrics
	// that configure compute through creation-time environment read
	// the request here; others ignore it until Invoke.
	Provision(ctx context.Context, ps *ProvisionSpec) (*Handle, error)
	// Invoke runs the request on provisioned compute and returns the
	// agent's result. Infrastructure failures return errors from the
	// errdefs taxonomy; a function-raised failure is a result with
	// status error, not an error.
	Invoke(ctx context.Context, h *Handle, req *protocol.InvocationRequest) (*protocol.InvocationResult, error)
	// Release tears the compute down. Must be idempotent; releasing
	// already-gone compute is not an error.
	Release(ctx context.Context, h *Handle) error
}

// ImageEnsurer is the sub-capability a delegated-build backend
// borrows from a direct one.
type ImageEnsurer interface {
	EnsureImage(ctx context.Context, spec *image.Spec) (image.Ref, error)
}

type ProvisionSpec struct {
	Function *spec.Function
	Image    image.Ref
	Request  *protocol.InvocationRequest
}

// Handle identifies provisioned compute. Opaque to the dispatcher;
// only the backend that minted it reads the fields.
type Handle struct {
	Provider string            `json:"provider"`
	Kind     string            `json:"kind"`
	ID       string            `json:"id"`
	Ref      string            `json:"ref,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}
