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

// Package build resolves image specs to pushed registry images,
// building at most once per content hash.
package build

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/coral-run/coral/errdefs"
	"github.com/coral-run/coral/image"
	"github.com/coral-run/coral/registry"
)

type Config struct {
	Registry registry.Registry
	Builder  ImageBuilder
	// Records defaults to an in-memory store when nil.
	Records Records
	// Repo is the registry repository coral images are pushed to.
	Repo string
	// AgentImage is the published agent image copied into builds.
	AgentImage string
	// LockDir, when set, serializes builds of the same hash across
	// processes on this machine.
	LockDir string
	Logger  *zap.Logger
}

type Resolver struct {
	reg      registry.Registry
	builder  ImageBuilder
	records  Records
	repo     string
	agentRef string
	lockDir  string
	log      *zap.Logger

	group singleflight.Group

	attempts        int
	backoff         time.Duration
	recheckAttempts int
	recheckDelay    time.Duration
}

func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Registry == nil || cfg.Builder == nil {
		return nil, errdefs.Configf("resolver needs a registry and a builder")
	}
	if cfg.Repo == "" {
		return nil, errdefs.Configf("resolver needs a repository")
	}
	if cfg.AgentImage == "" {
		return nil, errdefs.Configf("resolver needs an agent image")
	}
	records := cfg.Records
	if records == nil {
		records = NewMemRecords()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		reg:             cfg.Registry,
		builder:         cfg.Builder,
		records:         records,
		repo:            cfg.Repo,
		agentRef:        cfg.AgentImage,
		lockDir:         cfg.LockDir,
		log:             log,
		attempts:        4,
		backoff:         200 * time.Millisecond,
		recheckAttempts: 5,
		recheckDelay:    2 * time.Second,
	}, nil
}

// Resolve returns the pushed image for spec, building and pushing it
// if no registry has it yet. Concurrent resolves of the same spec
// against the same repository coalesce into a single build.
func (r *Resolver) Resolve(ctx context.Context, spec *image.Spec) (image.Ref, error) {
	hash := spec.Hash()
	tag := spec.Tag()
	ref := r.reg.Ref(r.repo, tag)
	v, err, _ := r.group.Do(hash+"\x00"+ref, func() (interface{}, error) {
		return r.resolveOne(ctx, spec, hash, tag, ref)
	})
	if err != nil {
		return image.Ref{}, err
	}
	return v.(image.Ref), nil
}

func (r *Resolver) resolveOne(ctx context.Context, spec *image.Spec, hash, tag, ref string) (image.Ref, error) {
	log := r.log.With(zap.String("hash", hash), zap.String("ref", ref))

	if rec, err := r.records.Get(hash); err == nil && rec != nil && rec.Status == StatusPushed && rec.Ref == ref {
		log.Debug("resolve: record hit")
		return image.Ref{URI: rec.Ref, Digest: rec.Digest}, nil
	}

	exists, err := r.existsWithRetry(ctx, tag)
	if err != nil {
		return image.Ref{}, err
	}
	if exists {
		return r.recordPushed(ctx, hash, tag, ref, log)
	}

	if r.lockDir != "" {
		lock := flock.New(filepath.Join(r.lockDir, hash+".lock"))
		if err := lock.Lock(); err != nil {
			return image.Ref{}, fmt.Errorf("build lock: %w", err)
		}
		defer lock.Unlock()
		// Another process may have pushed while we waited.
		exists, err = r.existsWithRetry(ctx, tag)
		if err != nil {
			return image.Ref{}, err
		}
		if exists {
			return r.recordPushed(ctx, hash, tag, ref, log)
		}
	}

	r.records.Put(&Record{SpecHash: hash, Ref: ref, Status: StatusPending, UpdatedAt: time.Now()})

	dockerfile, err := spec.Dockerfile(r.agentRef)
	if err != nil {
		berr := &errdefs.BuildError{Hash: hash, Err: err}
		r.recordFailed(hash, ref, berr)
		return image.Ref{}, berr
	}

	log.Info("building image")
	out, err := r.builder.Build(ctx, dockerfile, ref)
	if err != nil {
		berr := &errdefs.BuildError{Hash: hash, Err: err, Logs: out}
		r.recordFailed(hash, ref, berr)
		return image.Ref{}, berr
	}

	log.Info("pushing image")
	if err := r.pushWithRetry(ctx, ref); err != nil {
		r.recordFailed(hash, ref, err)
		return image.Ref{}, err
	}

	// Some registries serve tag lookups from a laggy index; give the
	// push a moment to become visible before trusting Exists again.
	for i := 0; i < r.recheckAttempts; i++ {
		exists, err := r.reg.Exists(ctx, r.repo, tag)
		if err == nil && exists {
			break
		}
		if err != nil && !errdefs.Retryable(err) {
			return image.Ref{}, err
		}
		if i == r.recheckAttempts-1 {
			log.Warn("pushed image not yet visible in registry")
			break
		}
		if err := sleepCtx(ctx, r.recheckDelay); err != nil {
			return image.Ref{}, err
		}
	}

	return r.recordPushed(ctx, hash, tag, ref, log)
}

func (r *Resolver) recordPushed(ctx context.Context, hash, tag, ref string, log *zap.Logger) (image.Ref, error) {
	var digest string
	if m, err := r.reg.Inspect(ctx, r.repo, tag); err == nil {
		digest = m.Digest
	}
	rec := &Record{SpecHash: hash, Ref: ref, Digest: digest, Status: StatusPushed, UpdatedAt: time.Now()}
	if err := r.records.Put(rec); err != nil {
		log.Warn("recording build", zap.Error(err))
	}
	log.Debug("resolve: pushed")
	return image.Ref{URI: ref, Digest: digest}, nil
}

func (r *Resolver) recordFailed(hash, ref string, cause error) {
	r.records.Put(&Record{
		SpecHash:  hash,
		Ref:       ref,
		Status:    StatusFailed,
		Detail:    cause.Error(),
		UpdatedAt: time.Now(),
	})
}

func (r *Resolver) existsWithRetry(ctx context.Context, tag string) (bool, error) {
	var lastErr error
	for i := 0; i < r.attempts; i++ {
		exists, err := r.reg.Exists(ctx, r.repo, tag)
		if err == nil {
			return exists, nil
		}
		if !errdefs.Retryable(err) {
			return false, err
		}
		lastErr = err
		if err := sleepCtx(ctx, jittered(r.backoff, i)); err != nil {
			return false, err
		}
	}
	return false, &errdefs.RegistryError{Op: "exists", Err: lastErr}
}

func (r *Resolver) pushWithRetry(ctx context.Context, ref string) error {
	var lastErr error
	var lastOut []byte
	for i := 0; i < r.attempts; i++ {
		out, err := r.builder.Push(ctx, ref)
		if err == nil {
			return nil
		}
		lastErr, lastOut = err, out
		if err := sleepCtx(ctx, jittered(r.backoff, i)); err != nil {
			return err
		}
	}
	return &errdefs.RegistryError{Op: "push", Err: fmt.Errorf("%w: %s", lastErr, lastOut)}
}

func jittered(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	return d + time.Duration(rand.Int63n(int64(d/2)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
