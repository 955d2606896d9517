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

package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/coral-run/coral/store"
)

// Index remembers where bundle hashes were already uploaded, so
// repeated runs of an unchanged binary skip the upload. Entries map
// hash to destination URL; a profile pointing at a different bucket
// misses and uploads again. It is a flat JSON file shared between
// processes, guarded by a file lock.
type Index struct {
	path string
	lock *flock.Flock
}

func OpenIndex(dir string) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "bundles.json")
	return &Index{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

func (ix *Index) read() (map[string]string, error) {
	data, err := os.ReadFile(ix.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	entries := make(map[string]string)
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupt index only costs re-uploads; start over.
		return map[string]string{}, nil
	}
	return entries, nil
}

func (ix *Index) Lookup(hash string) (string, bool) {
	if err := ix.lock.RLock(); err != nil {
		return "", false
	}
	defer ix.lock.Unlock()
	entries, err := ix.read()
	if err != nil {
		return "", false
	}
	key, ok := entries[hash]
	return key, ok
}

// Entries snapshots the index for inspection tools.
func (ix *Index) Entries() (map[string]string, error) {
	if err := ix.lock.RLock(); err != nil {
		return nil, err
	}
	defer ix.lock.Unlock()
	return ix.read()
}

// Clear forgets every recorded upload. The objects themselves stay in
// their stores; the next run re-uploads.
func (ix *Index) Clear() error {
	if err := ix.lock.Lock(); err != nil {
		return err
	}
	defer ix.lock.Unlock()
	if err := os.Remove(ix.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (ix *Index) Record(hash, key string) error {
	if err := ix.lock.Lock(); err != nil {
		return err
	}
	defer ix.lock.Unlock()
	entries, err := ix.read()
	if err != nil {
		return err
	}
	entries[hash] = key
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(ix.path, data, 0o644)
}

// Upload packages path and puts it in the store, consulting the index
// to skip uploads of bundles the machine has already shipped. ix may
// be nil.
func Upload(ctx context.Context, st store.Store, ix *Index, path string) (key, hash string, err error) {
	var buf bytes.Buffer
	hash, err = Create(path, &buf)
	if err != nil {
		return "", "", err
	}
	key = Key(hash)
	if ix != nil {
		if known, ok := ix.Lookup(hash); ok && known == st.URL(key) {
			return key, hash, nil
		}
	}
	if err := st.Put(ctx, key, buf.Bytes()); err != nil {
		return "", "", err
	}
	if ix != nil {
		if err := ix.Record(hash, st.URL(key)); err != nil {
			return "", "", err
		}
	}
	return key, hash, nil
}
