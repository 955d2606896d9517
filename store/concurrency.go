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

import "context"

type concurrencyLimitedStore struct {
	inner  Store
	tokens chan struct{}
}

// LimitConcurrency caps the number of in-flight operations against the
// inner store. URL stays unguarded; it only formats a string.
func LimitConcurrency(store Store, concurrency int) Store {
	tokens := make(chan struct{}, concurrency)
	for i := 0; i < concurrency; i++ {
		tokens <- struct{}{}
	}
	return &concurrencyLimitedStore{
		inner:  store,
		tokens: tokens,
	}
}

func (s *concurrencyLimitedStore) acquireToken() {
	<-s.tokens
}

func (s *concurrencyLimitedStore) releaseToken() {
	s.tokens <- struct{}{}
}

func (s *concurrencyLimitedStore) Put(ctx context.Context, key string, data []byte) error {
	s.acquireToken()
	defer s.releaseToken()
	return s.inner.Put(ctx, key, data)
}

func (s *concurrencyLimitedStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.acquireToken()
	defer s.releaseToken()
	return s.inner.Get(ctx, key)
}

func (s *concurrencyLimitedStore) Exists(ctx context.Context, key string) (bool, error) {
	s.acquireToken()
	defer s.releaseToken()
	return s.inner.Exists(ctx, key)
}

func (s *concurrencyLimitedStore) URL(key string) string {
	return s.inner.URL(key)
}
