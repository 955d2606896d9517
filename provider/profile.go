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
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap/zapcore"

	"github.com/coral-run/coral/errdefs"
)

// Profile is one named backend configuration from the config file.
// Common fields are typed; kind-specific settings live in the
// [profile.NAME.options] table and are decoded by the backend's
// loader.
type Profile struct {
	Name       string                 `toml:"-"`
	Kind       string                 `toml:"kind"`
	Store      string                 `toml:"store"`
	Region     string                 `toml:"region"`
	Repo       string                 `toml:"repo"`
	AgentImage string                 `toml:"agent_image"`
	ImageFrom  string                 `toml:"image_from"`
	Options    map[string]interface{} `toml:"options"`
}

// DecodeOptions maps the options table onto a backend's typed config.
func (p *Profile) DecodeOptions(v interface{}) error {
	data, err := toml.Marshal(p.Options)
	if err != nil {
		return errdefs.Configf("profile %s: %s", p.Name, err)
	}
	if err := toml.Unmarshal(data, v); err != nil {
		return errdefs.Configf("profile %s: %s", p.Name, err)
	}
	return nil
}

// MarshalLogObject logs the profile with secret-looking option values
// masked.
func (p *Profile) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("name", p.Name)
	enc.AddString("kind", p.Kind)
	enc.AddString("store", p.Store)
	if p.Region != "" {
		enc.AddString("region", p.Region)
	}
	if p.ImageFrom != "" {
		enc.AddString("image_from", p.ImageFrom)
	}
	for k, v := range p.Options {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if isSecretKey(k) {
			enc.AddString("options."+k, "*****")
		} else {
			enc.AddString("options."+k, s)
		}
	}
	return nil
}

func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	return strings.Contains(k, "key") || strings.Contains(k, "secret") || strings.Contains(k, "token")
}

// MaskValue renders an option value for display, masking values whose
// key looks secret-bearing. Same rule the structured logs apply.
func MaskValue(key string, v interface{}) interface{} {
	if s, ok := v.(string); ok && isSecretKey(key) && s != "" {
		return "*****"
	}
	return v
}

// File is the on-disk config: a default profile name plus a table of
// profiles.
type File struct {
	Default  string              `toml:"default"`
	Profiles map[string]*Profile `toml:"profile"`
}

// LoadFile reads a config file. A missing file yields an empty config
// so first-run commands can guide setup.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, err
	}
	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, errdefs.Configf("%s: %s", path, err)
	}
	for name, p := range f.Profiles {
		p.Name = name
	}
	return &f, nil
}

// Select picks a profile by name, falling back to the configured
// default, or to the only profile when exactly one exists.
func (f *File) Select(name string) (*Profile, error) {
	if name == "" {
		name = os.Getenv("CORAL_PROFILE")
	}
	if name == "" {
		name = f.Default
	}
	if name == "" {
		if len(f.Profiles) == 1 {
			for _, p := range f.Profiles {
				return p, nil
			}
		}
		return nil, errdefs.Configf("no profile selected and no default set (have: %s)",
			strings.Join(profileNames(f.Profiles), ", "))
	}
	p, ok := f.Profiles[name]
	if !ok {
		return nil, errdefs.Configf("profile %q not found (have: %s)",
			name, strings.Join(profileNames(f.Profiles), ", "))
	}
	return p, nil
}

func profileNames(profiles map[string]*Profile) []string {
	out := make([]string, 0, len(profiles))
	for name := range profiles {
		out = append(out, name)
	}
	return out
}

// ConfigPath is ~/.coral/config.toml unless CORAL_CONFIG overrides
// it.
func ConfigPath() string {
	if p := os.Getenv("CORAL_CONFIG"); p != "" {
		return p
	}
	home, err := homedir.Dir()
	if err != nil {
		return ".coral/config.toml"
	}
	return filepath.Join(home, ".coral", "config.toml")
}

// CacheDir holds build records, bundle indexes and locks.
func CacheDir() string {
	if p := os.Getenv("CORAL_CACHE"); p != "" {
		return p
	}
	home, err := homedir.Dir()
	if err != nil {
		return ".coral/cache"
	}
	return filepath.Join(home, ".coral", "cache")
}
