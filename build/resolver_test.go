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
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/coral-run/coral/errdefs"
	"github.com/coral-run/coral/image"
	"github.com/coral-run/coral/registry"
)

type fakeRegistry struct {
	mu          sync.Mutex
	tags        map[string]bool
	existsCalls int
	existsErrs  []error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{tags: make(map[string]bool)}
}

func (f *fakeRegistry) Exists(ctx context.Context, repo, tag string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.existsCalls++
	if len(f.existsErrs) > 0 {
		err := f.existsErrs[0]
		f.existsErrs = f.existsErrs[1:]
		return false, err
	}
	return f.tags[tag], nil
}

func (f *fakeRegistry) Inspect(ctx context.Context, repo, tag string) (*registry.Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.tags[tag] {
		return nil, &errdefs.NotFoundError{Kind: "image tag", Ref: tag}
	}
	return &registry.Manifest{Digest: "sha256:" + tag}, nil
}

func (f *fakeRegistry) Ref(repo, tag string) string {
	return "registry.example/" + repo + ":" + tag
}

func (f *fakeRegistry) setPushed(tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags[tag] = true
}

type fakeBuilder struct {
	mu       sync.Mutex
	reg      *fakeRegistry
	builds   int
	pushes   int
	delay    time.Duration
	buildErr error
}

func (f *fakeBuilder) Build(ctx context.Context, dockerfile []byte, ref string) ([]byte, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	if f.buildErr != nil {
		return []byte("E: Unable to locate package nonexistent\n"), f.buildErr
	}
	return []byte("Successfully built\n"), nil
}

func (f *fakeBuilder) Push(ctx context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	f.pushes++
	f.mu.Unlock()
	// A push makes the tag visible to lookups.
	f.reg.setPushed(strings.TrimPrefix(ref, "registry.example/coral:"))
	return nil, nil
}

func newTestResolver(t *testing.T, reg *fakeRegistry, builder ImageBuilder) *Resolver {
	t.Helper()
	r, err := NewResolver(Config{
		Registry:   reg,
		Builder:    builder,
		Repo:       "coral",
		AgentImage: "registry.example/coral-agent:v1",
	})
	require.NoError(t, err)
	r.backoff = time.Millisecond
	r.recheckDelay = time.Millisecond
	return r
}

func testSpec() *image.Spec {
	return image.FromBase("python:3.11-slim").PipInstall("numpy").Spec()
}

func TestResolveBuildsOnceThenCaches(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry()
	builder := &fakeBuilder{reg: reg}
	r := newTestResolver(t, reg, builder)
	spec := testSpec()

	ref, err := r.Resolve(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, "registry.example/coral:"+spec.Tag(), ref.URI)
	assert.Equal(t, 1, builder.builds)
	assert.Equal(t, 1, builder.pushes)

	callsAfterFirst := reg.existsCalls
	again, err := r.Resolve(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, ref.URI, again.URI)
	assert.Equal(t, 1, builder.builds, "second resolve must not rebuild")
	assert.Equal(t, callsAfterFirst, reg.existsCalls, "record hit skips the registry")
}

func TestResolveFindsExistingTag(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry()
	builder := &fakeBuilder{reg: reg}
	r := newTestResolver(t, reg, builder)
	spec := testSpec()
	reg.setPushed(spec.Tag())

	ref, err := r.Resolve(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, 0, builder.builds)
	assert.Equal(t, "sha256:"+spec.Tag(), ref.Digest)
}

func TestResolveSingleFlight(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry()
	builder := &fakeBuilder{reg: reg, delay: 50 * time.Millisecond}
	r := newTestResolver(t, reg, builder)
	spec := testSpec()

	var g errgroup.Group
	refs := make([]image.Ref, 8)
	for i := 0; i < 8; i++ {
		i := i
		g.Go(func() error {
			ref, err := r.Resolve(ctx, spec)
			refs[i] = ref
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, builder.builds, "concurrent resolves must share one build")
	for _, ref := range refs {
		assert.Equal(t, refs[0].URI, ref.URI)
	}
}

func TestResolveBuildFailure(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry()
	builder := &fakeBuilder{reg: reg, buildErr: errors.New("exit status 100")}
	r := newTestResolver(t, reg, builder)
	spec := testSpec()

	_, err := r.Resolve(ctx, spec)
	var berr *errdefs.BuildError
	require.True(t, errors.As(err, &berr))
	assert.Contains(t, string(berr.Logs), "Unable to locate package")
	assert.False(t, errdefs.Retryable(err), "build errors are permanent")

	rec, err := r.records.Get(spec.Hash())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusFailed, rec.Status)

	// A failed record must not poison the cache: fixing the
	// environment and resolving again rebuilds.
	builder.buildErr = nil
	ref, err := r.Resolve(ctx, spec)
	require.NoError(t, err)
	assert.NotEmpty(t, ref.URI)
	assert.Equal(t, 2, builder.builds)
}

func TestResolveRetriesTransientLookup(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry()
	reg.existsErrs = []error{
		&errdefs.TransientError{Op: "exists", Err: errors.New("connection reset")},
		&errdefs.TransientError{Op: "exists", Err: errors.New("connection reset")},
	}
	builder := &fakeBuilder{reg: reg}
	r := newTestResolver(t, reg, builder)

	_, err := r.Resolve(ctx, testSpec())
	require.NoError(t, err)
	assert.Equal(t, 1, builder.builds)
}

func TestResolveAuthFailsFast(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry()
	cause := &errdefs.AuthError{Op: "hub lookup", Err: errors.New("401 Unauthorized")}
	reg.existsErrs = []error{cause, cause, cause, cause}
	builder := &fakeBuilder{reg: reg}
	r := newTestResolver(t, reg, builder)

	_, err := r.Resolve(ctx, testSpec())
	var auth *errdefs.AuthError
	require.True(t, errors.As(err, &auth))
	assert.Equal(t, 1, reg.existsCalls, "auth errors are not retried")
	assert.Equal(t, 0, builder.builds)
}
