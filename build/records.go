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

package build

import (
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusPushed  Status = "pushed"
	StatusFailed  Status = "failed"
)

// Record is the durable memory of one build: spec hash in, registry
// ref out. A pushed record short-circuits future resolves; a failed
// record is diagnostic only and never blocks a rebuild.
type Record struct {
	SpecHash  string    `json:"spec_hash"`
	Ref       string    `json:"ref"`
	Digest    string    `json:"digest,omitempty"`
	Status    Status    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Records interface {
	// Get returns nil when no record exists for hash.
	Get(hash string) (*Record, error)
	Put(rec *Record) error
	List() ([]Record, error)
	Delete(hash string) error
}

// MemRecords is the in-process implementation, used in tests and as
// the default when no cache directory is configured.
type MemRecords struct {
	mu   sync.Mutex
	recs map[string]Record
}

var _ Records = (*MemRecords)(nil)

func NewMemRecords() *MemRecords {
	return &MemRecords{recs: make(map[string]Record)}
}

func (m *MemRecords) Get(hash string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[hash]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemRecords) Put(rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.SpecHash] = *rec
	return nil
}

func (m *MemRecords) List() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpecHash < out[j].SpecHash })
	return out, nil
}

func (m *MemRecords) Delete(hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, hash)
	return nil
}
