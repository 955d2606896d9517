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
	"bytes"
	"context"
	"os/exec"

	"go.uber.org/zap"
)

// ImageBuilder turns a rendered Dockerfile into a pushed tag. The
// resolver owns error classification; implementations return raw
// errors plus captured tool output.
type ImageBuilder interface {
	Build(ctx context.Context, dockerfile []byte, ref string) ([]byte, error)
	Push(ctx context.Context, ref string) ([]byte, error)
}

// DockerCLI shells out to the docker binary. The Dockerfile arrives
// on stdin with an empty build context; everything a coral image
// needs is pulled via FROM and COPY --from.
type DockerCLI struct {
	Bin string
	Log *zap.Logger
}

var _ ImageBuilder = (*DockerCLI)(nil)

func NewDockerCLI(log *zap.Logger) *DockerCLI {
	if log == nil {
		log = zap.NewNop()
	}
	return &DockerCLI{Bin: "docker", Log: log}
}

func (d *DockerCLI) run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, d.Bin, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	d.Log.Debug("docker", zap.Strings("args", args))
	err := cmd.Run()
	return out.Bytes(), err
}

func (d *DockerCLI) Build(ctx context.Context, dockerfile []byte, ref string) ([]byte, error) {
	return d.run(ctx, dockerfile, "build", "-t", ref, "-")
}

func (d *DockerCLI) Push(ctx context.Context, ref string) ([]byte, error) {
	return d.run(ctx, nil, "push", ref)
}
