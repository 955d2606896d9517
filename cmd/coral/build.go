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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/coral-run/coral"
	"github.com/coral-run/coral/cmd/internal/cli"
)

type BuildCommand struct {
	json        bool
	concurrency int
}

func (*BuildCommand) Name() string     { return "build" }
func (*BuildCommand) Synopsis() string { return "Pre-build every image an app declares" }
func (*BuildCommand) Usage() string {
	return `build [-json] APP-BINARY

Asks the binary for its manifest and resolves each declared image,
building and pushing the ones no registry has yet. Running it ahead of
time moves build latency out of the first invocation.
`
}

func (c *BuildCommand) SetFlags(flags *flag.FlagSet) {
	flags.BoolVar(&c.json, "json", false, "Print resolved refs as JSON")
	flags.IntVar(&c.concurrency, "concurrency", 4, "Images resolved in parallel")
}

func (c *BuildCommand) Execute(ctx context.Context, flags *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if flags.NArg() != 1 {
		log.Printf("usage: coral build APP-BINARY")
		return subcommands.ExitUsageError
	}
	bin := flags.Arg(0)

	manifest, err := emitManifest(ctx, bin)
	if err != nil {
		log.Printf("%s", err)
		return subcommands.ExitFailure
	}

	global := cli.MustState(ctx)
	sess := global.MustSession()

	type resolved struct {
		Function string `json:"function"`
		Image    string `json:"image"`
		Digest   string `json:"digest,omitempty"`
		Skipped  bool   `json:"skipped,omitempty"`
	}
	var mu sync.Mutex
	var out []resolved

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(c.concurrency)
	for _, fn := range manifest.Functions {
		fn := fn
		if !fn.BuildImage || fn.Image == nil {
			mu.Lock()
			out = append(out, resolved{Function: fn.Qualified(), Skipped: true})
			mu.Unlock()
			continue
		}
		grp.Go(func() error {
			ref, err := sess.Provider().EnsureImage(gctx, fn.Image)
			if err != nil {
				return fmt.Errorf("%s: %w", fn.Qualified(), err)
			}
			mu.Lock()
			out = append(out, resolved{Function: fn.Qualified(), Image: ref.URI, Digest: ref.Digest})
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		log.Printf("build: %s", err)
		return subcommands.ExitFailure
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Function < out[j].Function })
	if c.json {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			log.Printf("build: %s", err)
			return subcommands.ExitFailure
		}
		fmt.Printf("%s\n", data)
		return subcommands.ExitSuccess
	}
	for _, r := range out {
		switch {
		case r.Skipped:
			fmt.Printf("%-40s (build skipped; agent installs at cold start)\n", r.Function)
		case r.Digest != "":
			fmt.Printf("%-40s %s@%s\n", r.Function, r.Image, r.Digest)
		default:
			fmt.Printf("%-40s %s\n", r.Function, r.Image)
		}
	}
	return subcommands.ExitSuccess
}

// emitManifest runs the app binary in manifest mode and decodes what
// it prints.
func emitManifest(ctx context.Context, bin string) (*coral.Manifest, error) {
	cmd := exec.CommandContext(ctx, bin)
	cmd.Env = append(os.Environ(), coral.EnvEmit+"=spec")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w\n%s", bin, err, bytes.TrimSpace(stderr.Bytes()))
	}
	var m coral.Manifest
	if err := json.Unmarshal(stdout.Bytes(), &m); err != nil {
		return nil, fmt.Errorf("%s printed an unreadable manifest: %w", bin, err)
	}
	return &m, nil
}
