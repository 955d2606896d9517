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

// coral is the control-plane CLI: configure backends, pre-build
// images, and run app binaries against remote compute.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"strings"

	"github.com/google/subcommands"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/coral-run/coral/cmd/internal/cli"
	"github.com/coral-run/coral/tracing"

	// Registered provider backends.
	_ "github.com/coral-run/coral/providers/aws"
	_ "github.com/coral-run/coral/providers/prime"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")

	subcommands.Register(&SetupCommand{}, "config")
	subcommands.Register(&ConfigCommand{}, "config")
	subcommands.Register(&ProvidersCommand{}, "config")

	subcommands.Register(&BuildCommand{}, "")
	subcommands.Register(&RunCommand{}, "")

	subcommands.Register(&CacheCommand{}, "internals")

	subcommands.ImportantFlag("profile")

	ctx := context.Background()
	os.Exit(runCoral(ctx))
}

func runCoral(ctx context.Context) int {
	var profile string
	var verbose bool
	var traceFile string
	flag.StringVar(&profile, "profile", "", "Profile from ~/.coral/config.toml")
	flag.BoolVar(&verbose, "v", false, "Enable debug logging")
	flag.StringVar(&traceFile, "trace", "", "Write spans as JSON lines to file (.zst compresses)")

	flag.Parse()

	if traceFile != "" {
		fh, err := os.Create(traceFile)
		if err != nil {
			log.Fatalf("trace: %s", err)
		}
		var w io.Writer = fh
		if strings.HasSuffix(traceFile, ".zstd") || strings.HasSuffix(traceFile, ".zst") {
			zw, err := zstd.NewWriter(fh,
				zstd.WithEncoderLevel(zstd.SpeedFastest),
			)
			if err != nil {
				log.Fatalf("trace: %s", err)
			}
			w = zw
			defer fh.Close()
		}
		var wt *tracing.WriterTracer
		ctx, wt = tracing.WithWriterTracer(ctx, w)
		defer wt.Close()
	}

	state := &cli.GlobalState{
		ProfileName: profile,
		Verbose:     verbose,
		Logger:      newLogger(verbose),
	}
	defer state.Close()

	ctx = cli.WithState(ctx, state)
	return int(subcommands.Execute(ctx))
}

// newLogger builds the CLI's stderr logger. Quiet by default; -v opens
// the debug firehose, including provider wire chatter.
func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
