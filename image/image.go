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

// Package image declares container environments and derives their
// content address. Two identical declarations hash identically, so a
// built image is reused by everyone who declares the same
// environment.
package image

type StepKind string

const (
	StepApt StepKind = "apt"
	StepPip StepKind = "pip"
	StepRun StepKind = "run"
)

// InstallStep is one layer of the environment declaration. Step order
// is significant: installing A before B is a different environment
// than B before A.
type InstallStep struct {
	Kind  StepKind `json:"kind"`
	Names []string `json:"names"`
}

// Spec is a frozen environment declaration. Build one with FromBase
// and the Builder methods; direct mutation after Hash has been taken
// breaks caching.
type Spec struct {
	BaseImage string            `json:"base_image"`
	Steps     []InstallStep     `json:"steps,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Workdir   string            `json:"workdir,omitempty"`
}

func (s *Spec) Clone() *Spec {
	out := &Spec{
		BaseImage: s.BaseImage,
		Workdir:   s.Workdir,
	}
	if len(s.Steps) > 0 {
		out.Steps = make([]InstallStep, len(s.Steps))
		for i, st := range s.Steps {
			out.Steps[i] = InstallStep{Kind: st.Kind, Names: append([]string(nil), st.Names...)}
		}
	}
	if len(s.Env) > 0 {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = v
		}
	}
	return out
}

// Builder accumulates an environment declaration. Every method
// returns a derived copy, so builders can be forked without the forks
// aliasing each other.
type Builder struct {
	spec Spec
}

func FromBase(ref string) Builder {
	return Builder{spec: Spec{BaseImage: ref}}
}

func (b Builder) addStep(step InstallStep) Builder {
	steps := make([]InstallStep, len(b.spec.Steps), len(b.spec.Steps)+1)
	copy(steps, b.spec.Steps)
	b.spec.Steps = append(steps, step)
	return b
}

func (b Builder) AptInstall(pkgs ...string) Builder {
	return b.addStep(InstallStep{Kind: StepApt, Names: append([]string(nil), pkgs...)})
}

func (b Builder) PipInstall(pkgs ...string) Builder {
	return b.addStep(InstallStep{Kind: StepPip, Names: append([]string(nil), pkgs...)})
}

// Run adds a raw shell command layer.
func (b Builder) Run(cmd string) Builder {
	return b.addStep(InstallStep{Kind: StepRun, Names: []string{cmd}})
}

func (b Builder) Env(vars map[string]string) Builder {
	env := make(map[string]string, len(b.spec.Env)+len(vars))
	for k, v := range b.spec.Env {
		env[k] = v
	}
	for k, v := range vars {
		env[k] = v
	}
	b.spec.Env = env
	return b
}

func (b Builder) Workdir(dir string) Builder {
	b.spec.Workdir = dir
	return b
}

// Spec freezes the builder into an immutable declaration. Further
// builder calls do not affect the returned spec.
func (b Builder) Spec() *Spec {
	return b.spec.Clone()
}
