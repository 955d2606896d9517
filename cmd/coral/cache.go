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
	"os"
	"path/filepath"

	"github.com/google/subcommands"

	"github.com/coral-run/coral/build/boltrecords"
	"github.com/coral-run/coral/bundle"
	"github.com/coral-run/coral/provider"
)

type CacheCommand struct{}

func (*CacheCommand) Name() string     { return "cache" }
func (*CacheCommand) Synopsis() string { return "Inspect or clear the local build cache" }
func (*CacheCommand) Usage() string {
	return `cache ls|clean

ls lists build records and uploaded bundles; clean forgets them.
Cleaning never touches registries or object stores, it only makes the
next run re-check and re-upload.
`
}

func (c *CacheCommand) SetFlags(flags *flag.FlagSet) {}

func (c *CacheCommand) Execute(ctx context.Context, flags *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	switch flags.Arg(0) {
	case "ls":
		return c.ls()
	case "clean":
		return c.clean()
	default:
		log.Printf("usage: coral cache ls|clean")
		return subcommands.ExitUsageError
	}
}

func (c *CacheCommand) ls() subcommands.ExitStatus {
	dir := provider.CacheDir()

	recs, err := boltrecords.Open(filepath.Join(dir, "builds.db"))
	if err == nil {
		defer recs.Close()
		list, err := recs.List()
		if err != nil {
			log.Printf("listing build records: %s", err)
			return subcommands.ExitFailure
		}
		fmt.Printf("builds (%d):\n", len(list))
		for _, rec := range list {
			fmt.Printf("  %-12s %-8s %s  %s\n",
				short(rec.SpecHash), rec.Status, rec.Ref, rec.UpdatedAt.Format("2006-01-02 15:04"))
			if rec.Detail != "" {
				fmt.Printf("  %-12s          %s\n", "", rec.Detail)
			}
		}
	} else {
		fmt.Printf("builds: none (%s)\n", err)
	}

	ix, err := bundle.OpenIndex(dir)
	if err != nil {
		log.Printf("opening bundle index: %s", err)
		return subcommands.ExitFailure
	}
	entries, err := ix.Entries()
	if err != nil {
		log.Printf("reading bundle index: %s", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("bundles (%d):\n", len(entries))
	for hash, url := range entries {
		fmt.Printf("  %-12s %s\n", short(hash), url)
	}
	return subcommands.ExitSuccess
}

func (c *CacheCommand) clean() subcommands.ExitStatus {
	dir := provider.CacheDir()

	dropped := 0
	recs, err := boltrecords.Open(filepath.Join(dir, "builds.db"))
	if err == nil {
		list, lerr := recs.List()
		if lerr == nil {
			for _, rec := range list {
				if derr := recs.Delete(rec.SpecHash); derr == nil {
					dropped++
				}
			}
		}
		recs.Close()
	}

	ix, err := bundle.OpenIndex(dir)
	if err == nil {
		if err := ix.Clear(); err != nil {
			log.Printf("clearing bundle index: %s", err)
			return subcommands.ExitFailure
		}
	}

	// Stale build locks are safe to drop; waiters re-acquire.
	locks, _ := filepath.Glob(filepath.Join(dir, "*.lock"))
	for _, l := range locks {
		os.Remove(l)
	}

	fmt.Printf("dropped %d build records, cleared bundle index\n", dropped)
	return subcommands.ExitSuccess
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
