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

	"github.com/coral-run/coral/store/internal/storeutil"
)

// WriteCachingStore drops Puts for keys this process has already
// written or read back. Keys name immutable content, so an object that
// is known to exist never needs a second upload.
type WriteCachingStore struct {
	inner Store
	seen  storeutil.Cache
}

var _ Store = (*WriteCachingStore)(nil)

func WriteCaching(inner Store) *WriteCachingStore {
	return &WriteCachingStore{inner: inner}
}

func (w *WriteCachingStore) Put(ctx context.Context, key string, data []byte) error {
	if w.seen.HasObject(key) {
		return nil
	}
	if err := w.inner.Put(ctx, key, data); err != nil {
		return err
	}
	w.seen.AddObject(key)
	return nil
}

// Get marks the keys it reads: an object we just fetched is in the
// store.
func (w *WriteCachingStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := w.inner.Get(ctx, key)
	if err == nil {
		w.seen.AddObject(key)
	}
	return data, err
}

func (w *WriteCachingStore) Exists(ctx context.Context, key string) (bool, error) {
	if w.seen.HasObject(key) {
		return true, nil
	}
	ok, err := w.inner.Exists(ctx, key)
	if err == nil && ok {
		w.seen.AddObject(key)
	}
	return ok, err
}

func (w *WriteCachingStore) URL(key string) string {
	return w.inner.URL(key)
}
