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
	"encoding/json"
	"errors"
	"flag"
	"log"
	"os"
	"os/exec"
	"time"

	"github.com/google/subcommands"

	"github.com/coral-run/coral"
	"github.com/coral-run/coral/cmd/internal/cli"
)

type RunCommand struct {
	args    string
	timeout time.Duration
	detach  bool
}

func (*RunCommand) Name() string     { return "run" }
func (*RunCommand) Synopsis() string { return "Invoke one app function on remote compute" }
func (*RunCommand) Usage() string {
	return `run [-args JSON] [-timeout 90s] [-detach] APP-BINARY FUNCTION

Runs the binary in driver mode against FUNCTION. -detach returns as
soon as the request reaches compute and prints the request id; the
result lands in the object store.

Exit codes: 0 ok, 1 function error, 2 configuration, 3 infrastructure,
4 timeout.
`
}

func (c *RunCommand) SetFlags(flags *flag.FlagSet) {
	flags.StringVar(&c.args, "args", "", "Arguments as a JSON array")
	flags.DurationVar(&c.timeout, "timeout", 0, "Override the function's wall-clock budget")
	flags.BoolVar(&c.detach, "detach", false, "Do not wait for the result")
}

func (c *RunCommand) Execute(ctx context.Context, flags *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if flags.NArg() != 2 {
		log.Printf("usage: coral run APP-BINARY FUNCTION")
		return subcommands.ExitUsageError
	}
	bin, function := flags.Arg(0), flags.Arg(1)

	if c.args != "" {
		var probe []json.RawMessage
		if err := json.Unmarshal([]byte(c.args), &probe); err != nil {
			log.Printf("-args must be a JSON array: %s", err)
			return subcommands.ExitUsageError
		}
	}

	global := cli.MustState(ctx)
	env := append(os.Environ(), coral.EnvEntry+"="+function)
	if c.args != "" {
		env = append(env, coral.EnvArgs+"="+c.args)
	}
	if c.timeout > 0 {
		env = append(env, coral.EnvTimeout+"="+c.timeout.String())
	}
	if c.detach {
		env = append(env, coral.EnvDetach+"=1")
	}
	if global.ProfileName != "" {
		env = append(env, "CORAL_PROFILE="+global.ProfileName)
	}
	if global.Verbose {
		env = append(env, coral.EnvDebug+"=1")
	}

	cmd := exec.CommandContext(ctx, bin)
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if err == nil {
		return subcommands.ExitSuccess
	}
	// The driver already mapped the outcome onto its exit code; pass
	// it through so scripts can tell a function error from an outage.
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() > 0 {
		return subcommands.ExitStatus(ee.ExitCode())
	}
	log.Printf("running %s: %s", bin, err)
	return subcommands.ExitFailure
}
