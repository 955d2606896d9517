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

// Package runtime is the agent baked into every image. It prepares the
// instance, runs the function process and frames its result. Instances
// are reused between invocations, so setup work and bundle fetches
// memoize; everything the agent itself gets wrong is an AgentError,
// never an ExecutionError.
package runtime

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/coral-run/coral/bundle"
	"github.com/coral-run/coral/errdefs"
	"github.com/coral-run/coral/protocol"
	"github.com/coral-run/coral/store"
	"github.com/coral-run/coral/tracing"
)

const (
	// EnvInvoke tells the app binary to act as the function body
	// instead of the local driver.
	EnvInvoke = "CORAL_INVOKE"
	// EnvRequestFile names the file the agent writes the request to.
	EnvRequestFile = "CORAL_REQUEST_FILE"
	// EnvObjectStore carries the store address into remote compute.
	EnvObjectStore = "CORAL_OBJECT_STORE"
)

// maxInlineSpans bounds how many remote spans ride inline on a result
// before they spill to the store.
const maxInlineSpans = 100

type Agent struct {
	store store.Store
	log   *zap.Logger
	work  string

	mu       sync.Mutex
	bundles  map[string]string
	setups   map[string]*setupOnce
	jobCount int
}

type setupOnce struct {
	once sync.Once
	err  error
}

func NewAgent(st store.Store, log *zap.Logger) *Agent {
	if log == nil {
		log = zap.NewNop()
	}
	return &Agent{
		store:   st,
		log:     log.Named("agent"),
		work:    filepath.Join(os.TempDir(), "coral"),
		bundles: make(map[string]string),
		setups:  make(map[string]*setupOnce),
	}
}

// Handle runs one invocation. A returned error is always an agent
// failure; a function that raised comes back as a result with status
// error.
func (a *Agent) Handle(ctx context.Context, req *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
	tStart := time.Now()

	a.mu.Lock()
	a.jobCount++
	cold := a.jobCount == 1
	a.mu.Unlock()

	topctx := ctx
	var tracer *tracing.MemoryTracer
	var sb *tracing.SpanBuilder
	if req.Trace != nil {
		tracer = tracing.NewMemoryTracer()
		ctx = tracing.WithTracer(ctx, tracer)
		ctx, sb = tracing.StartPropagatedSpan(ctx, "agent.Handle", req.Trace)
		sb.SetLabel("function", req.Function)
	}

	res, err := a.handle(ctx, req, tStart, cold)
	if err != nil {
		return nil, err
	}
	if sb != nil {
		sb.End()
		// topctx: the spill upload must not trace into the tracer we
		// just closed.
		a.attachSpans(topctx, req, res, tracer.Close())
	}
	return res, nil
}

func (a *Agent) handle(ctx context.Context, req *protocol.InvocationRequest, tStart time.Time, cold bool) (*protocol.InvocationResult, error) {
	env, workdir, setupDur, err := a.runSetup(ctx, req.SetupSteps)
	if err != nil {
		return nil, err
	}

	if req.Bundle == "" {
		return nil, &errdefs.AgentError{Msg: "request carries no code bundle"}
	}
	tFetch := time.Now()
	dir, err := a.fetchBundle(ctx, req.Bundle)
	if err != nil {
		return nil, err
	}
	fetchDur := time.Since(tFetch)

	tExec := time.Now()
	res, logs, err := a.execute(ctx, req, dir, env, workdir)
	if err != nil {
		return nil, err
	}

	if res.RequestID == "" {
		res.RequestID = req.RequestID
	}
	res.Version = protocol.Version
	if len(logs) > 0 && res.Logs == nil {
		res.Logs = a.storeLogs(ctx, req.RequestID, logs)
	}
	res.Times.ColdStart = cold
	res.Times.Setup = setupDur
	res.Times.Fetch = fetchDur
	res.Times.Exec = time.Since(tExec)
	res.Times.E2E = time.Since(tStart)
	return res, nil
}

// runSetup applies the request's setup steps. Env and workdir steps
// are collected every time; command steps run once per instance. A
// sentinel file guards against the process restarting inside a reused
// sandbox, where /tmp survives but process state does not.
func (a *Agent) runSetup(ctx context.Context, steps []protocol.SetupStep) (env []string, workdir string, dur time.Duration, err error) {
	var cmds []protocol.SetupStep
	for _, st := range steps {
		switch st.Kind {
		case protocol.SetupEnv:
			for k, v := range st.Env {
				env = append(env, k+"="+v)
			}
		case protocol.SetupWorkdir:
			if len(st.Names) > 0 {
				workdir = st.Names[0]
			}
		case protocol.SetupApt, protocol.SetupPip, protocol.SetupRun:
			cmds = append(cmds, st)
		default:
			return nil, "", 0, &errdefs.AgentError{Msg: fmt.Sprintf("unknown setup step kind %q", st.Kind)}
		}
	}
	sort.Strings(env)
	if len(cmds) == 0 {
		return env, workdir, 0, nil
	}

	hash := setupHash(cmds)
	a.mu.Lock()
	once := a.setups[hash]
	if once == nil {
		once = &setupOnce{}
		a.setups[hash] = once
	}
	a.mu.Unlock()

	start := time.Now()
	once.once.Do(func() {
		once.err = a.execSetup(ctx, cmds, env, workdir, hash)
	})
	if once.err != nil {
		return nil, "", 0, once.err
	}
	return env, workdir, time.Since(start), nil
}

func (a *Agent) execSetup(ctx context.Context, cmds []protocol.SetupStep, env []string, workdir, hash string) error {
	sentinel := filepath.Join(os.TempDir(), ".coral-setup-"+hash)
	if _, err := os.Stat(sentinel); err == nil {
		a.log.Debug("setup already applied", zap.String("hash", hash))
		return nil
	}
	if workdir != "" {
		if err := os.MkdirAll(workdir, 0o755); err != nil {
			return &errdefs.AgentError{Msg: fmt.Sprintf("setup workdir %s: %s", workdir, err)}
		}
	}
	for _, st := range cmds {
		command, err := setupCommand(st)
		if err != nil {
			return err
		}
		a.log.Info("setup", zap.String("kind", st.Kind), zap.String("command", command))
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
		cmd.Env = append(os.Environ(), env...)
		if workdir != "" {
			cmd.Dir = workdir
		}
		out, err := cmd.CombinedOutput()
		if err != nil {
			return &errdefs.AgentError{
				Msg:  fmt.Sprintf("setup step %s failed: %s", st.Kind, err),
				Logs: out,
			}
		}
	}
	if err := os.WriteFile(sentinel, []byte(time.Now().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		a.log.Warn("writing setup sentinel", zap.Error(err))
	}
	return nil
}

// setupCommand renders a step the same way the Dockerfile generator
// does, so built and skip-build environments install identically.
func setupCommand(st protocol.SetupStep) (string, error) {
	switch st.Kind {
	case protocol.SetupApt:
		if err := checkNames(st.Names); err != nil {
			return "", err
		}
		return "apt-get update && apt-get install -y --no-install-recommends " + strings.Join(st.Names, " "), nil
	case protocol.SetupPip:
		if err := checkNames(st.Names); err != nil {
			return "", err
		}
		return "pip install --no-cache-dir " + strings.Join(st.Names, " "), nil
	case protocol.SetupRun:
		return strings.Join(st.Names, " && "), nil
	}
	return "", &errdefs.AgentError{Msg: fmt.Sprintf("unknown setup step kind %q", st.Kind)}
}

func checkNames(names []string) error {
	for _, n := range names {
		if n == "" || strings.ContainsAny(n, " \t\n\"'\\$`;&|<>") {
			return &errdefs.AgentError{Msg: fmt.Sprintf("invalid package name %q", n)}
		}
	}
	return nil
}

func setupHash(cmds []protocol.SetupStep) string {
	data, _ := json.Marshal(cmds)
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// fetchBundle downloads and unpacks a code bundle once per key.
func (a *Agent) fetchBundle(ctx context.Context, key string) (string, error) {
	a.mu.Lock()
	dir, ok := a.bundles[key]
	a.mu.Unlock()
	if ok {
		return dir, nil
	}

	if a.store == nil {
		return "", &errdefs.AgentError{Msg: "no object store configured; cannot fetch bundle"}
	}
	data, err := a.store.Get(ctx, key)
	if err != nil {
		return "", &errdefs.AgentError{Msg: fmt.Sprintf("fetching bundle %s: %s", key, err)}
	}
	sum := blake2b.Sum256([]byte(key))
	dir = filepath.Join(a.work, "bundle-"+hex.EncodeToString(sum[:8]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &errdefs.AgentError{Msg: fmt.Sprintf("bundle dir: %s", err)}
	}
	if err := bundle.Extract(bytes.NewReader(data), dir); err != nil {
		return "", &errdefs.AgentError{Msg: fmt.Sprintf("unpacking bundle %s: %s", key, err)}
	}

	a.mu.Lock()
	a.bundles[key] = dir
	a.mu.Unlock()
	a.log.Debug("bundle ready", zap.String("key", key), zap.String("dir", dir))
	return dir, nil
}

// execute runs the bundled binary and splits its combined output into
// the framed result and the log stream.
func (a *Agent) execute(ctx context.Context, req *protocol.InvocationRequest, dir string, env []string, workdir string) (*protocol.InvocationResult, []byte, error) {
	reqData, err := json.Marshal(req)
	if err != nil {
		return nil, nil, &errdefs.AgentError{Msg: fmt.Sprintf("marshal request: %s", err)}
	}
	reqFile, err := os.CreateTemp("", "coral-req-*.json")
	if err != nil {
		return nil, nil, &errdefs.AgentError{Msg: fmt.Sprintf("request file: %s", err)}
	}
	defer os.Remove(reqFile.Name())
	if _, err := reqFile.Write(reqData); err != nil {
		reqFile.Close()
		return nil, nil, &errdefs.AgentError{Msg: fmt.Sprintf("request file: %s", err)}
	}
	if err := reqFile.Close(); err != nil {
		return nil, nil, &errdefs.AgentError{Msg: fmt.Sprintf("request file: %s", err)}
	}

	bin := filepath.Join(dir, bundle.EntryName)
	cmd := exec.CommandContext(ctx, bin)
	cmd.Env = append(os.Environ(), env...)
	cmd.Env = append(cmd.Env, EnvInvoke+"=1", EnvRequestFile+"="+reqFile.Name())
	if workdir != "" {
		cmd.Dir = workdir
	} else {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.log.Debug("exec", zap.String("bin", bin), zap.String("function", req.Function))
	runErr := cmd.Run()

	res, logs, ok := protocol.ExtractResult(stdout.Bytes())
	logs = append(logs, stderr.Bytes()...)
	if !ok {
		msg := "function process exited without a result frame"
		if runErr != nil {
			msg = fmt.Sprintf("function process failed: %s", runErr)
		}
		return nil, logs, &errdefs.AgentError{Msg: msg, Logs: logs}
	}
	return res, logs, nil
}

func (a *Agent) storeLogs(ctx context.Context, requestID string, logs []byte) *protocol.Blob {
	if a.store == nil {
		// Nothing to spill to; keep the tail.
		if len(logs) > protocol.MaxInlineBlob {
			logs = logs[len(logs)-protocol.MaxInlineBlob:]
		}
		return protocol.NewInlineBlob(logs)
	}
	return protocol.StoreBlob(ctx, a.store, "logs/"+requestID+".log", logs)
}

func (a *Agent) attachSpans(ctx context.Context, req *protocol.InvocationRequest, res *protocol.InvocationResult, spans []tracing.Span) {
	if len(spans) == 0 {
		return
	}
	if len(spans) <= maxInlineSpans {
		res.InlineSpans = append(res.InlineSpans, spans...)
		return
	}
	block, err := tracing.EncodeSpans(spans)
	if err != nil {
		res.Spans = &protocol.Blob{Err: err.Error()}
		return
	}
	if a.store == nil {
		res.Spans = &protocol.Blob{Err: "no object store for span block"}
		return
	}
	key := "spans/" + req.RequestID + ".snappy"
	if err := a.store.Put(ctx, key, block); err != nil {
		res.Spans = &protocol.Blob{Err: err.Error()}
		return
	}
	res.Spans = protocol.NewBlobRef(key)
}

// agentFailure wraps an agent error as a structured result so store
// pollers see what happened instead of silence.
func agentFailure(req *protocol.InvocationRequest, err error) *protocol.InvocationResult {
	msg := err.Error()
	var agent *errdefs.AgentError
	if errors.As(err, &agent) {
		msg = agent.Msg
	}
	res := protocol.ErrorResult(req.RequestID, protocol.AgentErrorType, msg)
	if agent != nil && len(agent.Logs) > 0 {
		res.Logs = protocol.NewInlineBlob(agent.Logs)
	}
	return res
}
