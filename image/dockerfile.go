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

package image

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/coral-run/coral/protocol"
)

// AgentPath is where the runtime agent lives inside built images; the
// Dockerfile pins it as the entrypoint.
const AgentPath = "/usr/local/bin/coral-agent"

// Dockerfile renders the build plan. agentRef names the published
// agent image the runtime binary is copied from. Output is
// deterministic for a given spec, so rebuilds of the same hash
// produce the same plan.
func (s *Spec) Dockerfile(agentRef string) ([]byte, error) {
	if s.BaseImage == "" {
		return nil, fmt.Errorf("image: spec has no base image")
	}
	if agentRef == "" {
		return nil, fmt.Errorf("image: no agent image configured")
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# Generated by coral for %s. Do not edit.\n", s.Tag())
	fmt.Fprintf(&buf, "FROM %s\n", s.BaseImage)
	fmt.Fprintf(&buf, "COPY --from=%s /coral-agent %s\n", agentRef, AgentPath)
	for _, step := range s.Steps {
		switch step.Kind {
		case StepApt:
			if len(step.Names) == 0 {
				continue
			}
			pkgs, err := joinArgs(step.Names)
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&buf, "RUN apt-get update && apt-get install -y --no-install-recommends %s && rm -rf /var/lib/apt/lists/*\n", pkgs)
		case StepPip:
			if len(step.Names) == 0 {
				continue
			}
			pkgs, err := joinArgs(step.Names)
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&buf, "RUN pip install --no-cache-dir %s\n", pkgs)
		case StepRun:
			if len(step.Names) != 1 {
				return nil, fmt.Errorf("image: run step wants exactly one command, got %d", len(step.Names))
			}
			fmt.Fprintf(&buf, "RUN %s\n", step.Names[0])
		default:
			return nil, fmt.Errorf("image: unknown install step kind %q", step.Kind)
		}
	}
	for _, k := range sortedKeys(s.Env) {
		fmt.Fprintf(&buf, "ENV %s=%q\n", k, s.Env[k])
	}
	if s.Workdir != "" {
		fmt.Fprintf(&buf, "WORKDIR %s\n", s.Workdir)
	}
	fmt.Fprintf(&buf, "ENTRYPOINT [%q]\n", AgentPath)
	return buf.Bytes(), nil
}

// SetupSteps expresses the same plan as runtime setup steps, for
// functions that skip the image build and prepare the environment at
// cold start instead.
func (s *Spec) SetupSteps() []protocol.SetupStep {
	var steps []protocol.SetupStep
	for _, st := range s.Steps {
		steps = append(steps, protocol.SetupStep{
			Kind:  string(st.Kind),
			Names: append([]string(nil), st.Names...),
		})
	}
	if len(s.Env) > 0 {
		env := make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			env[k] = v
		}
		steps = append(steps, protocol.SetupStep{Kind: protocol.SetupEnv, Env: env})
	}
	if s.Workdir != "" {
		steps = append(steps, protocol.SetupStep{Kind: protocol.SetupWorkdir, Names: []string{s.Workdir}})
	}
	return steps
}

func joinArgs(names []string) (string, error) {
	for _, n := range names {
		if n == "" || strings.ContainsAny(n, " \t\n\"'\\$`;&|<>") {
			return "", fmt.Errorf("image: invalid package name %q", n)
		}
	}
	return strings.Join(names, " "), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
