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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCachingSkipsRepeatPuts(t *testing.T) {
	ctx := context.Background()
	mem := InMemory()
	w := WriteCaching(mem)

	require.NoError(t, w.Put(ctx, "bundles/x.tar.gz", []byte("payload")))
	require.NoError(t, w.Put(ctx, "bundles/x.tar.gz", []byte("payload")))
	assert.Equal(t, 1, mem.Puts())

	require.NoError(t, w.Put(ctx, "bundles/y.tar.gz", []byte("other")))
	assert.Equal(t, 2, mem.Puts())
}

func TestWriteCachingMarksReads(t *testing.T) {
	ctx := context.Background()
	mem := InMemory()
	require.NoError(t, mem.Put(ctx, "bundles/x.tar.gz", []byte("payload")))

	w := WriteCaching(mem)
	_, err := w.Get(ctx, "bundles/x.tar.gz")
	require.NoError(t, err)

	// The read proved the object exists; the Put is dropped.
	require.NoError(t, w.Put(ctx, "bundles/x.tar.gz", []byte("payload")))
	assert.Equal(t, 1, mem.Puts())
}

func TestWriteCachingExists(t *testing.T) {
	ctx := context.Background()
	mem := InMemory()
	w := WriteCaching(mem)

	ok, err := w.Exists(ctx, "bundles/x.tar.gz")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, w.Put(ctx, "bundles/x.tar.gz", []byte("payload")))
	ok, err = w.Exists(ctx, "bundles/x.tar.gz")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, "mem://bundles/x.tar.gz", w.URL("bundles/x.tar.gz"))
}

func TestWriteCachingPropagatesErrors(t *testing.T) {
	ctx := context.Background()
	mem := InMemory()
	w := WriteCaching(mem)

	_, err := w.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotExists)

	// A failed read must not mark the key as present.
	require.NoError(t, w.Put(ctx, "missing", []byte("now it exists")))
	assert.Equal(t, 1, mem.Puts())
}
