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

	"github.com/google/subcommands"

	"github.com/coral-run/coral/provider"
)

type ProvidersCommand struct{}

func (*ProvidersCommand) Name() string     { return "providers" }
func (*ProvidersCommand) Synopsis() string { return "List available backend kinds" }
func (*ProvidersCommand) Usage() string {
	return `providers
`
}

func (*ProvidersCommand) SetFlags(flags *flag.FlagSet) {}

func (*ProvidersCommand) Execute(ctx context.Context, flags *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	for _, kind := range provider.Kinds() {
		fmt.Println(kind)
	}
	return subcommands.ExitSuccess
}
