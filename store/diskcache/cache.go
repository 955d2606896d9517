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

// Package diskcache layers a size-bounded on-disk object cache over a
// Store. The agent wraps its store in one so a container that already
// fetched a code bundle does not fetch it again, even after the
// process restarts.
package diskcache

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coral-run/coral/store"
	"github.com/coral-run/coral/store/internal/storeutil"
)

const debugCache = false

type Cache struct {
	inner    store.Store
	root     string
	maxBytes uint64
	log      *zap.Logger

	objects objectTracker
}

var _ store.Store = (*Cache)(nil)

// objectTracker is an LRU list over the cached files. head.next is the
// most recently used entry; head.prev is the next eviction victim.
type objectTracker struct {
	sync.Mutex
	bytes uint64
	have  map[string]*entry

	head entry
}

type entry struct {
	id    string
	bytes uint64
	next  *entry
	prev  *entry
}

func (o *objectTracker) pushFront(ent *entry) {
	head := &o.head
	ent.next = head.next
	ent.prev = head
	head.next.prev = ent
	head.next = ent
	o.bytes += ent.bytes
}

func (o *objectTracker) unlink(ent *entry) {
	ent.prev.next = ent.next
	ent.next.prev = ent.prev
	o.bytes -= ent.bytes
}

func (o *objectTracker) checkConsistency() {
	if !debugCache {
		return
	}
	var sum uint64
	node := &o.head
	for {
		sum += node.bytes
		if node.next.prev != node {
			panic(fmt.Sprintf("%s.next.prev != self", node.id))
		}
		node = node.next
		if node == &o.head {
			break
		}
	}
	if sum != o.bytes {
		panic(fmt.Sprintf("size mismatch: sum=%d bytes=%d", sum, o.bytes))
	}
}

// New opens a cache rooted at root, creating the directory if needed.
// Files left behind by an earlier process are adopted into the index,
// oldest first, so eviction order carries across restarts.
func New(inner store.Store, root string, limit uint64, log *zap.Logger) (*Cache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	c := &Cache{
		inner:    inner,
		root:     root,
		maxBytes: limit,
		log:      log,
		objects: objectTracker{
			have: make(map[string]*entry),
		},
	}
	c.objects.head.next = &c.objects.head
	c.objects.head.prev = &c.objects.head
	if err := c.scan(); err != nil {
		return nil, err
	}
	return c, nil
}

// idFor flattens a store key, which may contain slashes, into a
// fixed-width filename.
func idFor(key string) string {
	return storeutil.HashObject([]byte(key))
}

func (c *Cache) pathFor(id string) string {
	return filepath.Join(c.root, id[:2], id[2:])
}

func (c *Cache) scan() error {
	type found struct {
		id    string
		bytes uint64
		mtime time.Time
	}
	var files []found
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		id := filepath.Base(filepath.Dir(path)) + d.Name()
		files = append(files, found{
			id:    id,
			bytes: uint64(len(id)) + uint64(info.Size()),
			mtime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })

	c.objects.Lock()
	defer c.objects.Unlock()
	for _, f := range files {
		ent := &entry{id: f.id, bytes: f.bytes}
		c.objects.have[f.id] = ent
		c.objects.pushFront(ent)
	}
	c.objects.checkConsistency()
	c.shrink()
	return nil
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	id := idFor(key)
	if data, ok := c.getCached(id); ok {
		return data, nil
	}
	data, err := c.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c.addToCache(id, data)
	return data, nil
}

// Put passes through uncached. Agents write results and logs they
// never read back; caching those would only churn the eviction list.
func (c *Cache) Put(ctx context.Context, key string, data []byte) error {
	return c.inner.Put(ctx, key, data)
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	c.objects.Lock()
	_, ok := c.objects.have[idFor(key)]
	c.objects.Unlock()
	if ok {
		return true, nil
	}
	return c.inner.Exists(ctx, key)
}

func (c *Cache) URL(key string) string {
	return c.inner.URL(key)
}

func (c *Cache) getCached(id string) ([]byte, bool) {
	c.objects.Lock()
	defer c.objects.Unlock()
	ent, ok := c.objects.have[id]
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(c.pathFor(id))
	if err != nil {
		// The file went away underneath us; forget it and refetch.
		c.log.Warn("cache read failed", zap.String("id", id), zap.Error(err))
		c.objects.unlink(ent)
		delete(c.objects.have, id)
		return nil, false
	}
	c.objects.unlink(ent)
	c.objects.pushFront(ent)
	return data, true
}

func (c *Cache) addToCache(id string, data []byte) {
	c.objects.Lock()
	defer c.objects.Unlock()
	ent, ok := c.objects.have[id]
	if ok {
		c.objects.unlink(ent)
	} else {
		ent = &entry{
			id:    id,
			bytes: uint64(len(id) + len(data)),
		}
		file := c.pathFor(id)
		os.Mkdir(filepath.Dir(file), 0o755)
		if err := os.WriteFile(file, data, 0o644); err != nil {
			c.log.Warn("cache write failed", zap.String("path", file), zap.Error(err))
			return
		}
		c.objects.have[id] = ent
	}

	c.objects.pushFront(ent)
	c.objects.checkConsistency()
	c.shrink()
}

// shrink drops least recently used entries until the cache fits.
// Callers hold the tracker lock.
func (c *Cache) shrink() {
	for c.objects.bytes > c.maxBytes {
		ent := c.objects.head.prev
		os.Remove(c.pathFor(ent.id))
		c.objects.unlink(ent)
		delete(c.objects.have, ent.id)
		c.objects.checkConsistency()
	}
}
