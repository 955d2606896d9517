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

// coral-agent is the runtime baked into function images. On Lambda it
// serves the runtime API; everywhere else it runs the one invocation
// delivered through the environment and exits.
package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws/session"
	"go.uber.org/zap"

	"github.com/coral-run/coral/runtime"
	"github.com/coral-run/coral/store"
	"github.com/coral-run/coral/store/diskcache"
	"github.com/coral-run/coral/store/s3store"
)

// diskCacheBytes bounds the local bundle cache. Lambda grants /tmp
// 512 MiB unless configured larger, and extraction needs room too.
const diskCacheBytes = 256 << 20

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	ctx := context.Background()
	agent := runtime.NewAgent(openStore(log), log)

	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		agent.ServeLambda(ctx)
		return
	}
	rc := agent.RunEnv(ctx, os.Getenv, os.Stdout)
	log.Sync()
	os.Exit(rc)
}

// openStore connects the object store named in the environment. A
// missing address is not fatal here: the agent reports it per request,
// which reaches the caller as a structured failure instead of a crash
// loop.
func openStore(log *zap.Logger) store.Store {
	address := os.Getenv(runtime.EnvObjectStore)
	if address == "" {
		return nil
	}
	sess, err := session.NewSession()
	if err != nil {
		log.Fatal("aws session", zap.Error(err))
	}
	st, err := s3store.FromSession(sess, address)
	if err != nil {
		log.Fatal("opening object store", zap.String("address", address), zap.Error(err))
	}
	cached, err := diskcache.New(st, filepath.Join(os.TempDir(), "coral-cache"), diskCacheBytes, log)
	if err != nil {
		log.Warn("disk cache unavailable; fetching bundles every time", zap.Error(err))
		return st
	}
	return cached
}
