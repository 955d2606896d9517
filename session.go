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

package coral

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"go.uber.org/zap"

	"github.com/coral-run/coral/build"
	"github.com/coral-run/coral/build/boltrecords"
	"github.com/coral-run/coral/bundle"
	"github.com/coral-run/coral/dispatch"
	"github.com/coral-run/coral/errdefs"
	"github.com/coral-run/coral/provider"
	"github.com/coral-run/coral/store"
	"github.com/coral-run/coral/store/s3store"
)

// storeConcurrency caps parallel object-store calls from one driver
// process.
const storeConcurrency = 16

// Session binds one profile to live infrastructure: store, build
// records, provider, dispatcher. Provider selection happens here,
// once; every call through the session uses the same backend.
type Session struct {
	profile *provider.Profile
	log     *zap.Logger

	store    store.Store
	records  build.Records
	provider provider.Provider
	disp     *dispatch.Dispatcher
	closers  []io.Closer

	bundleOnce sync.Once
	bundleKey  string
	bundleErr  error
}

// SessionOptions configures session construction. The zero value
// loads the default profile from the config file. Store and Provider
// bypass profile wiring when both are set, which is how tests run
// against fakes.
type SessionOptions struct {
	Profile  string
	Logger   *zap.Logger
	Store    store.Store
	Provider provider.Provider
}

func NewSession(opts SessionOptions) (*Session, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Session{log: log}
	if opts.Provider != nil {
		s.store = opts.Store
		s.records = build.NewMemRecords()
		s.provider = opts.Provider
		s.disp = dispatch.New(opts.Provider, log)
		return s, nil
	}

	file, err := provider.LoadFile(provider.ConfigPath())
	if err != nil {
		return nil, err
	}
	prof, err := file.Select(opts.Profile)
	if err != nil {
		return nil, err
	}
	s.profile = prof
	log.Debug("profile selected", zap.Object("profile", prof))

	st := opts.Store
	if st == nil {
		st, err = openStore(prof)
		if err != nil {
			return nil, err
		}
	}
	s.store = st

	s.records = s.openRecords()

	deps := &provider.Deps{
		Store:   st,
		Records: s.records,
		LockDir: provider.CacheDir(),
		Logger:  log,
	}
	if prof.ImageFrom != "" {
		builder, err := file.Select(prof.ImageFrom)
		if err != nil {
			return nil, errdefs.Configf("profile %s: image_from: %s", prof.Name, err)
		}
		bp, err := provider.New(builder, deps)
		if err != nil {
			return nil, err
		}
		deps.Images = bp
	}

	prov, err := provider.New(prof, deps)
	if err != nil {
		return nil, err
	}
	s.provider = prov
	s.disp = dispatch.New(prov, log)
	return s, nil
}

// openRecords prefers the durable bolt database under the cache dir;
// builds still work without it, they just repeat across processes.
func (s *Session) openRecords() build.Records {
	dir := provider.CacheDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Warn("cache dir unavailable; build records are in-memory", zap.Error(err))
		return build.NewMemRecords()
	}
	recs, err := boltrecords.Open(filepath.Join(dir, "builds.db"))
	if err != nil {
		s.log.Warn("build record db unavailable; records are in-memory", zap.Error(err))
		return build.NewMemRecords()
	}
	s.closers = append(s.closers, recs)
	return recs
}

func openStore(p *provider.Profile) (store.Store, error) {
	switch {
	case p.Store == "":
		return nil, errdefs.Configf("profile %s has no store configured", p.Name)
	case strings.HasPrefix(p.Store, "mem://"):
		return store.InMemory(), nil
	case strings.HasPrefix(p.Store, "s3://"):
		cfg := aws.NewConfig()
		if p.Region != "" {
			cfg = cfg.WithRegion(p.Region)
		}
		sess, err := session.NewSession(cfg)
		if err != nil {
			return nil, errdefs.Configf("aws session: %s", err)
		}
		st, err := s3store.FromSession(sess, p.Store)
		if err != nil {
			return nil, err
		}
		// Hundreds of flights can hit the store at once; bound the
		// parallelism and drop uploads of keys already shipped.
		return store.WriteCaching(store.LimitConcurrency(st, storeConcurrency)), nil
	default:
		return nil, errdefs.Configf("profile %s: unsupported store %q (want s3://BUCKET/PREFIX)",
			p.Name, p.Store)
	}
}

func (s *Session) Profile() *provider.Profile { return s.profile }

func (s *Session) Store() store.Store { return s.store }

func (s *Session) Records() build.Records { return s.records }

func (s *Session) Provider() provider.Provider { return s.provider }

func (s *Session) Dispatcher() *dispatch.Dispatcher { return s.disp }

// Stats reports the session dispatcher's counters.
func (s *Session) Stats() dispatch.Stats { return s.disp.Stats() }

func (s *Session) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ensureBundle uploads this binary as the app bundle, once per
// session. The key is content-derived, so re-running an unchanged
// binary re-uses the stored object; the on-disk index skips even the
// upload when this machine already shipped it to the same store.
func (s *Session) ensureBundle(ctx context.Context) (string, error) {
	s.bundleOnce.Do(func() {
		bin, err := os.Executable()
		if err != nil {
			s.bundleErr = errdefs.Configf("locating app binary: %s", err)
			return
		}
		if s.store == nil {
			s.bundleErr = errdefs.Configf("session has no store; cannot upload bundle")
			return
		}
		var ix *bundle.Index
		if s.profile != nil {
			ix, err = bundle.OpenIndex(provider.CacheDir())
			if err != nil {
				s.log.Debug("bundle index unavailable", zap.Error(err))
				ix = nil
			}
		}
		key, hash, err := bundle.Upload(ctx, s.store, ix, bin)
		if err != nil {
			s.bundleErr = err
			return
		}
		s.log.Debug("bundle ready",
			zap.String("key", key),
			zap.String("hash", hash))
		s.bundleKey = key
	})
	return s.bundleKey, s.bundleErr
}
