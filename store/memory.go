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

package store

import (
	"context"
	"sync"
)

// Memory is an in-process store for tests and local runs. The
// operation counters let tests assert on traffic.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	gets    int
}

var _ Store = (*Memory)(nil)

func InMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (s *Memory) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	got, ok := s.objects[key]
	if !ok {
		return nil, ErrNotExists
	}
	return append([]byte(nil), got...), nil
}

func (s *Memory) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *Memory) URL(key string) string {
	return "mem://" + key
}

func (s *Memory) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

func (s *Memory) Gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}
