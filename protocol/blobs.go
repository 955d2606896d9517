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

package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coral-run/coral/store"
)

// MaxInlineBlob is the largest payload carried inline on the wire;
// anything bigger travels by store reference.
const MaxInlineBlob = 100 << 10

// Blob carries bytes either inline or by store reference. Err records
// that producing the blob failed, so a broken log upload does not
// sink the whole result.
type Blob struct {
	Inline []byte `json:"b,omitempty"`
	Ref    string `json:"r,omitempty"`
	Err    string `json:"e,omitempty"`
}

func NewInlineBlob(data []byte) *Blob {
	return &Blob{Inline: data}
}

func NewBlobRef(ref string) *Blob {
	return &Blob{Ref: ref}
}

// StoreBlob inlines small payloads and uploads large ones under key.
// Upload failures are captured in the blob rather than returned, per
// the rule that auxiliary data never sinks a result.
func StoreBlob(ctx context.Context, st store.Store, key string, data []byte) *Blob {
	if len(data) <= MaxInlineBlob {
		return NewInlineBlob(data)
	}
	if err := st.Put(ctx, key, data); err != nil {
		return &Blob{Err: err.Error()}
	}
	return NewBlobRef(key)
}

func (b *Blob) Read(ctx context.Context, st store.Store) ([]byte, error) {
	switch {
	case b == nil:
		return nil, nil
	case b.Err != "":
		return nil, errors.New(b.Err)
	case b.Ref != "":
		return st.Get(ctx, b.Ref)
	default:
		return b.Inline, nil
	}
}

// WriteResult stores a result document under ref. Backends whose
// compute cannot answer inline hand results back this way.
func WriteResult(ctx context.Context, st store.Store, ref string, res *InvocationResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return st.Put(ctx, ref, data)
}

// ReadResult loads a result document written by WriteResult.
func ReadResult(ctx context.Context, st store.Store, ref string) (*InvocationResult, error) {
	data, err := st.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	var res InvocationResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("result %s: %w", ref, err)
	}
	return &res, nil
}
