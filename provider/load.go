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

package provider

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/coral-run/coral/build"
	"github.com/coral-run/coral/errdefs"
	"github.com/coral-run/coral/store"
)

// Type tags a backend implementation, e.g. "aws" or "prime".
type Type string

// Loader builds a Provider from a selected profile. Implementations
// register themselves from package init().
type Loader interface {
	Load(profile *Profile, deps *Deps) (Provider, error)
}

// Deps carries the shared infrastructure a backend may need. Images
// is only set when the profile delegates image builds to another
// backend.
type Deps struct {
	Store   store.Store
	Records build.Records
	LockDir string
	Images  ImageEnsurer
	Logger  *zap.Logger
}

func (d *Deps) Log() *zap.Logger {
	if d == nil || d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

var loaders = make(map[Type]Loader)

// Register wires a backend kind. Call from init(); not synchronized.
func Register(t Type, loader Loader) {
	loaders[t] = loader
}

// New resolves the profile's kind to a registered backend. Happens
// once per session; dispatchers never re-select mid-flight.
func New(profile *Profile, deps *Deps) (Provider, error) {
	loader, ok := loaders[Type(profile.Kind)]
	if !ok {
		return nil, errdefs.Configf("unknown provider kind %q (registered: %s)",
			profile.Kind, strings.Join(Kinds(), ", "))
	}
	return loader.Load(profile, deps)
}

func Kinds() []string {
	out := make([]string, 0, len(loaders))
	for t := range loaders {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}
