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

package coral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coral-run/coral/errdefs"
	"github.com/coral-run/coral/protocol"
	"github.com/coral-run/coral/runtime"
	"github.com/coral-run/coral/spec"
	"github.com/coral-run/coral/tracing"
)

// Environment switches Main reads. EnvEmit and EnvEntry are set by the
// coral CLI; runtime.EnvInvoke is set by the agent inside remote
// compute.
const (
	// EnvEmit set to "spec" prints the app manifest and exits.
	EnvEmit = "CORAL_EMIT"
	// EnvEntry names a function to call remotely in driver mode.
	EnvEntry = "CORAL_ENTRY"
	// EnvArgs carries a JSON array of arguments for EnvEntry.
	EnvArgs = "CORAL_ARGS"
	// EnvTimeout overrides the entry function's wall-clock budget.
	EnvTimeout = "CORAL_TIMEOUT"
	// EnvDetach set to "1" stops waiting once the request is on
	// compute and prints the request id.
	EnvDetach = "CORAL_DETACH"
	// EnvDebug enables driver-side debug logging.
	EnvDebug = "CORAL_DEBUG"
)

// Main is the entrypoint user binaries hand control to. One binary
// plays every role: inside remote compute it is the function body, for
// the build tooling it emits its manifest, and executed directly it is
// the local driver.
func Main(app *App) {
	switch {
	case os.Getenv(runtime.EnvInvoke) == "1":
		os.Exit(invokeMode(app))
	case os.Getenv(EnvEmit) == "spec":
		os.Exit(emitMode(app))
	case os.Getenv(EnvEntry) != "":
		os.Exit(entryMode(app, os.Getenv(EnvEntry)))
	default:
		os.Exit(runMode(app))
	}
}

// Manifest is what a binary prints under CORAL_EMIT=spec: enough for
// the build tooling to resolve every image without running user code.
type Manifest struct {
	App       string           `json:"app"`
	Functions []*spec.Function `json:"functions"`
}

func (a *App) Manifest() *Manifest {
	return &Manifest{App: a.Name, Functions: a.Functions()}
}

func invokeMode(app *App) int {
	path := os.Getenv(runtime.EnvRequestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coral: reading request: %s\n", err)
		return 1
	}
	var req protocol.InvocationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		fmt.Fprintf(os.Stderr, "coral: decoding request: %s\n", err)
		return 1
	}

	res := app.serve(context.Background(), &req)
	frame, err := protocol.FrameResult(res)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coral: framing result: %s\n", err)
		return 1
	}
	if _, err := os.Stdout.Write(frame); err != nil {
		return 1
	}
	return 0
}

// serve applies one request to the app's own function table. Failures
// to even reach the handler are agent-typed: they are this machinery's
// fault, not the function's.
func (a *App) serve(ctx context.Context, req *protocol.InvocationRequest) *protocol.InvocationResult {
	h := a.lookupQualified(req.Function)
	if h == nil {
		return protocol.ErrorResult(req.RequestID, protocol.AgentErrorType,
			fmt.Sprintf("function %q is not registered in this binary", req.Function))
	}
	if req.Codec != "" && req.Codec != protocol.CodecJSON {
		return protocol.ErrorResult(req.RequestID, protocol.AgentErrorType,
			fmt.Sprintf("unknown codec %q", req.Codec))
	}

	var tracer *tracing.MemoryTracer
	var sb *tracing.SpanBuilder
	if req.Trace != nil {
		tracer = tracing.NewMemoryTracer()
		ctx = tracing.WithTracer(ctx, tracer)
		ctx, sb = tracing.StartPropagatedSpan(ctx, "function", req.Trace)
		sb.SetLabel("function", req.Function)
	}
	res := h.h.call(ctx, req)
	if sb != nil {
		sb.End()
		res.InlineSpans = append(res.InlineSpans, tracer.Close()...)
	}
	return res
}

func emitMode(app *App) int {
	data, err := json.MarshalIndent(app.Manifest(), "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "coral: encoding manifest: %s\n", err)
		return 1
	}
	fmt.Printf("%s\n", data)
	return 0
}

func entryMode(app *App, name string) int {
	h := app.Lookup(name)
	if h == nil {
		fmt.Fprintf(os.Stderr, "coral: no function %q in app %q (have: %s)\n",
			name, app.Name, strings.Join(app.sortedNames(), ", "))
		return 2
	}
	var vals []protocol.Value
	if raw := os.Getenv(EnvArgs); raw != "" {
		if err := json.Unmarshal([]byte(raw), &vals); err != nil {
			fmt.Fprintf(os.Stderr, "coral: %s must be a JSON array: %s\n", EnvArgs, err)
			return 2
		}
	}
	if tstr := os.Getenv(EnvTimeout); tstr != "" {
		d, err := time.ParseDuration(tstr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "coral: bad %s %q: %s\n", EnvTimeout, tstr, err)
			return 2
		}
		h.fn.Resources.Timeout = d
	}

	sess, err := NewSession(SessionOptions{Logger: driverLogger()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "coral: %s\n", err)
		return exitCode(err)
	}
	defer sess.Close()
	app.Bind(sess)

	ctx := context.Background()
	if os.Getenv(EnvDetach) == "1" {
		return detachEntry(ctx, h, vals)
	}
	ret, err := h.remoteValues(ctx, vals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coral: %s\n", err)
		return exitCode(err)
	}
	printValue(ret)
	return 0
}

// detachEntry starts the call, waits for it to reach compute, then
// stops waiting. Env-delivered fabrics finish on their own and leave
// the result in the store under the printed request id.
func detachEntry(ctx context.Context, h *FunctionHandle, vals []protocol.Value) int {
	pend, err := h.spawnValues(ctx, vals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coral: %s\n", err)
		return exitCode(err)
	}
	select {
	case <-pend.Dispatched():
		pend.Detach()
		fmt.Println(pend.RequestID())
		return 0
	case <-pend.Done():
		// Settled before reaching compute; report the outcome.
		ret, err := pend.Wait(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "coral: %s\n", err)
			return exitCode(err)
		}
		printValue(ret)
		return 0
	}
}

func runMode(app *App) int {
	if app.Run == nil {
		fmt.Fprintf(os.Stderr, "coral: app %q has no Run; functions: %s\n",
			app.Name, strings.Join(app.sortedNames(), ", "))
		return 2
	}
	sess, err := NewSession(SessionOptions{Logger: driverLogger()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "coral: %s\n", err)
		return exitCode(err)
	}
	defer sess.Close()
	app.Bind(sess)

	if err := app.Run(context.Background(), sess); err != nil {
		fmt.Fprintf(os.Stderr, "coral: %s\n", err)
		return exitCode(err)
	}
	return 0
}

func printValue(ret *Returned) {
	value := ret.Value
	if len(value) == 0 {
		value = protocol.Value("null")
	}
	fmt.Printf("%s\n", value)
}

// exitCode maps the error taxonomy onto driver exit codes: 0 ok,
// 1 function error, 2 config, 3 infrastructure, 4 timeout.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var (
		exec    *errdefs.ExecutionError
		conf    *errdefs.ConfigError
		timeout *errdefs.TimeoutError
	)
	switch {
	case errors.As(err, &exec):
		return 1
	case errors.As(err, &conf):
		return 2
	case errors.As(err, &timeout):
		return 4
	default:
		return 3
	}
}

func driverLogger() *zap.Logger {
	if os.Getenv(EnvDebug) == "" {
		return zap.NewNop()
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return log
}
