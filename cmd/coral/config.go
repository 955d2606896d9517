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
	"context"
	"flag"
	"fmt"
	"log"
	"sort"

	"github.com/google/subcommands"

	"github.com/coral-run/coral/cmd/internal/cli"
	"github.com/coral-run/coral/provider"
)

type ConfigCommand struct {
	all bool
}

func (*ConfigCommand) Name() string     { return "config" }
func (*ConfigCommand) Synopsis() string { return "Print the resolved profile" }
func (*ConfigCommand) Usage() string {
	return `config [-all]

Shows the profile the other commands would use, secrets masked.
`
}

func (c *ConfigCommand) SetFlags(flags *flag.FlagSet) {
	flags.BoolVar(&c.all, "all", false, "Print every profile, not just the selected one")
}

func (c *ConfigCommand) Execute(ctx context.Context, flags *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	global := cli.MustState(ctx)

	file, err := provider.LoadFile(provider.ConfigPath())
	if err != nil {
		log.Printf("reading config: %s", err)
		return subcommands.ExitFailure
	}

	if c.all {
		names := make([]string, 0, len(file.Profiles))
		for name := range file.Profiles {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			printProfile(file.Profiles[name], name == file.Default)
		}
		return subcommands.ExitSuccess
	}

	prof, err := file.Select(global.ProfileName)
	if err != nil {
		log.Printf("%s", err)
		log.Printf("run `coral setup` to create a profile")
		return subcommands.ExitFailure
	}
	printProfile(prof, prof.Name == file.Default)
	return subcommands.ExitSuccess
}

func printProfile(p *provider.Profile, isDefault bool) {
	marker := ""
	if isDefault {
		marker = " (default)"
	}
	fmt.Printf("[profile.%s]%s\n", p.Name, marker)
	fmt.Printf("  kind  = %s\n", p.Kind)
	fmt.Printf("  store = %s\n", p.Store)
	if p.Region != "" {
		fmt.Printf("  region = %s\n", p.Region)
	}
	if p.Repo != "" {
		fmt.Printf("  repo = %s\n", p.Repo)
	}
	if p.AgentImage != "" {
		fmt.Printf("  agent_image = %s\n", p.AgentImage)
	}
	if p.ImageFrom != "" {
		fmt.Printf("  image_from = %s\n", p.ImageFrom)
	}
	if len(p.Options) > 0 {
		keys := make([]string, 0, len(p.Options))
		for k := range p.Options {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Printf("  [profile.%s.options]\n", p.Name)
		for _, k := range keys {
			fmt.Printf("    %s = %v\n", k, provider.MaskValue(k, p.Options[k]))
		}
	}
	fmt.Println()
}
