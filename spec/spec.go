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

// Package spec holds the declarative description of a remotely
// executable function: its environment, resources and dispatch
// policy.
package spec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/coral-run/coral/errdefs"
	"github.com/coral-run/coral/image"
)

const (
	DefaultCPU     = 1
	DefaultMemory  = "2Gi"
	DefaultTimeout = time.Hour
)

// Resources describes the compute a function runs on. GPU is the
// compact "TYPE:COUNT" form; parse it with ParseGPU.
type Resources struct {
	CPU     int           `json:"cpu"`
	Memory  string        `json:"memory"`
	GPU     string        `json:"gpu,omitempty"`
	Timeout time.Duration `json:"timeout"`
	Retries int           `json:"retries"`
}

func DefaultResources() Resources {
	return Resources{
		CPU:     DefaultCPU,
		Memory:  DefaultMemory,
		Timeout: DefaultTimeout,
	}
}

// Function is the full declaration the dispatcher works from.
// BuildImage=false means the environment is prepared by setup steps
// at cold start instead of a prebuilt image; such functions must
// never reach the build pipeline.
type Function struct {
	AppName    string      `json:"app"`
	Name       string      `json:"name"`
	Image      *image.Spec `json:"image"`
	Resources  Resources   `json:"resources"`
	BuildImage bool        `json:"build_image"`
}

func (f *Function) Qualified() string {
	return f.AppName + "/" + f.Name
}

var nameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

func (f *Function) Validate() error {
	if !nameRe.MatchString(f.AppName) {
		return errdefs.Configf("invalid app name %q", f.AppName)
	}
	if !nameRe.MatchString(f.Name) {
		return errdefs.Configf("invalid function name %q", f.Name)
	}
	if f.Image == nil {
		return errdefs.Configf("function %s has no image", f.Qualified())
	}
	if f.Resources.CPU < 1 {
		return errdefs.Configf("function %s: cpu must be >= 1", f.Qualified())
	}
	if _, err := ParseMemoryMiB(f.Resources.Memory); err != nil {
		return err
	}
	if _, err := ParseGPU(f.Resources.GPU); err != nil {
		return err
	}
	if f.Resources.Timeout <= 0 {
		return errdefs.Configf("function %s: timeout must be positive", f.Qualified())
	}
	if f.Resources.Retries < 0 {
		return errdefs.Configf("function %s: retries must be >= 0", f.Qualified())
	}
	return nil
}

// GPU is the parsed form of a "TYPE:COUNT" request. The zero value
// means no GPU.
type GPU struct {
	Type  string
	Count int
}

func (g GPU) Empty() bool { return g.Type == "" }

func (g GPU) String() string {
	if g.Empty() {
		return ""
	}
	return fmt.Sprintf("%s:%d", g.Type, g.Count)
}

// ParseGPU parses "A100:2" style requests. A bare type means one
// device.
func ParseGPU(s string) (GPU, error) {
	if s == "" {
		return GPU{}, nil
	}
	name, countStr, found := strings.Cut(s, ":")
	if name == "" {
		return GPU{}, errdefs.Configf("invalid gpu spec %q", s)
	}
	if !found {
		return GPU{Type: name, Count: 1}, nil
	}
	count, err := strconv.Atoi(countStr)
	if err != nil || count < 1 {
		return GPU{}, errdefs.Configf("invalid gpu count in %q", s)
	}
	return GPU{Type: name, Count: count}, nil
}

// ParseMemoryMiB converts "2Gi"/"512Mi" or a bare MiB integer into
// MiB.
func ParseMemoryMiB(s string) (int64, error) {
	if s == "" {
		return 0, errdefs.Configf("empty memory spec")
	}
	mult := int64(1)
	num := s
	switch {
	case strings.HasSuffix(s, "Gi"):
		mult = 1024
		num = strings.TrimSuffix(s, "Gi")
	case strings.HasSuffix(s, "Mi"):
		num = strings.TrimSuffix(s, "Mi")
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil || n <= 0 {
		return 0, errdefs.Configf("invalid memory spec %q", s)
	}
	return n * mult, nil
}
