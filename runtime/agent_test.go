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

package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coral-run/coral/bundle"
	"github.com/coral-run/coral/errdefs"
	"github.com/coral-run/coral/protocol"
	"github.com/coral-run/coral/store"
	"github.com/coral-run/coral/tracing"
)

func testAgent(t *testing.T, st store.Store) *Agent {
	t.Helper()
	a := NewAgent(st, zap.NewNop())
	a.work = t.TempDir()
	return a
}

// mustBundle stores a single-file bundle wrapping script and returns
// its store key.
func mustBundle(t *testing.T, st store.Store, script string) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "app")
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	var buf bytes.Buffer
	hash, err := bundle.Create(bin, &buf)
	require.NoError(t, err)
	key := bundle.Key(hash)
	require.NoError(t, st.Put(context.Background(), key, buf.Bytes()))
	return key
}

// frameLine renders a result as the marker line a function process
// prints, without the trailing newline so it can ride in an echo.
func frameLine(t *testing.T, res *protocol.InvocationResult) string {
	t.Helper()
	frame, err := protocol.FrameResult(res)
	require.NoError(t, err)
	return strings.TrimSuffix(string(frame), "\n")
}

func basicRequest(key string) *protocol.InvocationRequest {
	return &protocol.InvocationRequest{
		RequestID: "req-1",
		Function:  "demo/answer",
		Codec:     protocol.CodecJSON,
		Bundle:    key,
		Version:   protocol.Version,
	}
}

func TestSetupRunsOnce(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "marker")
	steps := []protocol.SetupStep{
		{Kind: protocol.SetupEnv, Env: map[string]string{"APP_MODE": "batch"}},
		{Kind: protocol.SetupRun, Names: []string{"echo ran >> " + marker}},
	}

	a := testAgent(t, store.InMemory())
	env, _, _, err := a.runSetup(context.Background(), steps)
	require.NoError(t, err)
	assert.Contains(t, env, "APP_MODE=batch")

	_, _, _, err = a.runSetup(context.Background(), steps)
	require.NoError(t, err)

	// A fresh agent process in the same sandbox finds the sentinel.
	b := testAgent(t, store.InMemory())
	_, _, _, err = b.runSetup(context.Background(), steps)
	require.NoError(t, err)

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "ran\n", string(data))
}

func TestSetupFailureIsAgentError(t *testing.T) {
	a := testAgent(t, store.InMemory())
	steps := []protocol.SetupStep{
		{Kind: protocol.SetupRun, Names: []string{"echo oops; exit 3"}},
	}
	_, _, _, err := a.runSetup(context.Background(), steps)
	var agentErr *errdefs.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Contains(t, agentErr.Msg, "setup step run failed")
	assert.Contains(t, string(agentErr.Logs), "oops")
}

func TestSetupRejectsShellMetacharacters(t *testing.T) {
	a := testAgent(t, store.InMemory())
	steps := []protocol.SetupStep{
		{Kind: protocol.SetupApt, Names: []string{"ffmpeg; rm -rf /"}},
	}
	_, _, _, err := a.runSetup(context.Background(), steps)
	var agentErr *errdefs.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Contains(t, agentErr.Msg, "invalid package name")
}

type countingStore struct {
	store.Store
	gets int32
}

func (c *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	atomic.AddInt32(&c.gets, 1)
	return c.Store.Get(ctx, key)
}

func TestFetchBundleOnce(t *testing.T) {
	st := &countingStore{Store: store.InMemory()}
	key := mustBundle(t, st, "#!/bin/sh\nexit 0\n")

	a := testAgent(t, st)
	dir1, err := a.fetchBundle(context.Background(), key)
	require.NoError(t, err)
	dir2, err := a.fetchBundle(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, dir1, dir2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&st.gets))

	info, err := os.Stat(filepath.Join(dir1, bundle.EntryName))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o100)
}

func TestHandleRoundTrip(t *testing.T) {
	st := store.InMemory()
	line := frameLine(t, protocol.OKResult("", protocol.Value(`42`)))
	key := mustBundle(t, st, "#!/bin/sh\necho starting work\necho '"+line+"'\n")

	a := testAgent(t, st)
	res, err := a.Handle(context.Background(), basicRequest(key))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, res.Status)
	assert.Equal(t, "req-1", res.RequestID)
	assert.JSONEq(t, `42`, string(res.Value))
	require.NotNil(t, res.Logs)
	assert.Contains(t, string(res.Logs.Inline), "starting work")
	assert.True(t, res.Times.ColdStart)
	assert.NotZero(t, res.Times.E2E)

	req2 := basicRequest(key)
	req2.RequestID = "req-2"
	res2, err := a.Handle(context.Background(), req2)
	require.NoError(t, err)
	assert.False(t, res2.Times.ColdStart)
}

func TestHandleNoFrameIsAgentError(t *testing.T) {
	st := store.InMemory()
	key := mustBundle(t, st, "#!/bin/sh\necho just logs\n")

	a := testAgent(t, st)
	_, err := a.Handle(context.Background(), basicRequest(key))
	var agentErr *errdefs.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Contains(t, agentErr.Msg, "without a result frame")
	assert.Contains(t, string(agentErr.Logs), "just logs")
}

func TestHandleRequiresBundle(t *testing.T) {
	a := testAgent(t, store.InMemory())
	req := basicRequest("")
	_, err := a.Handle(context.Background(), req)
	var agentErr *errdefs.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Contains(t, agentErr.Msg, "no code bundle")
}

// A frame on stdout wins even when the process exits nonzero
// afterwards: the function already answered.
func TestHandleTrustsFrameOverExitCode(t *testing.T) {
	st := store.InMemory()
	line := frameLine(t, protocol.ErrorResult("", "ValueError", "bad frame at offset 12"))
	key := mustBundle(t, st, "#!/bin/sh\necho '"+line+"'\nexit 1\n")

	a := testAgent(t, st)
	res, err := a.Handle(context.Background(), basicRequest(key))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, res.Status)

	var execErr *errdefs.ExecutionError
	require.ErrorAs(t, res.Err(), &execErr)
	assert.Equal(t, "ValueError", execErr.Type)
	assert.Equal(t, "bad frame at offset 12", execErr.Message)
}

func TestHandleAttachesSpans(t *testing.T) {
	st := store.InMemory()
	line := frameLine(t, protocol.OKResult("", protocol.Value(`null`)))
	key := mustBundle(t, st, "#!/bin/sh\necho '"+line+"'\n")

	a := testAgent(t, st)
	req := basicRequest(key)
	req.Trace = &tracing.Propagation{TraceId: "t-1", ParentId: "p-1"}
	res, err := a.Handle(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.InlineSpans)
	assert.Equal(t, "agent.Handle", res.InlineSpans[0].Name)
	assert.Equal(t, "t-1", res.InlineSpans[0].TraceId)
	assert.Equal(t, "p-1", res.InlineSpans[0].ParentId)
}

func TestEnvModeWritesResult(t *testing.T) {
	st := store.InMemory()
	line := frameLine(t, protocol.OKResult("", protocol.Value(`"done"`)))
	key := mustBundle(t, st, "#!/bin/sh\necho '"+line+"'\n")

	req := basicRequest(key)
	req.RequestID = "req-9"
	req.ResultRef = "results/req-9.json"
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	env, err := protocol.EncodeEnv(EnvRequest, payload)
	require.NoError(t, err)

	a := testAgent(t, st)
	var out bytes.Buffer
	rc := a.RunEnv(context.Background(), func(k string) string { return env[k] }, &out)
	assert.Equal(t, 0, rc)

	stored, err := protocol.ReadResult(context.Background(), st, "results/req-9.json")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, stored.Status)
	assert.Equal(t, "req-9", stored.RequestID)
	assert.Contains(t, out.String(), protocol.ResultMarker)
}

func TestEnvModeAgentFailureExitsOne(t *testing.T) {
	st := store.InMemory()
	req := basicRequest("bundles/missing.tar.gz")
	req.RequestID = "req-x"
	req.ResultRef = "results/req-x.json"
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	env, err := protocol.EncodeEnv(EnvRequest, payload)
	require.NoError(t, err)

	a := testAgent(t, st)
	var out bytes.Buffer
	rc := a.RunEnv(context.Background(), func(k string) string { return env[k] }, &out)
	assert.Equal(t, 1, rc)

	// Pollers still get a structured failure.
	stored, err := protocol.ReadResult(context.Background(), st, "results/req-x.json")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, protocol.AgentErrorType, stored.Error.Type)
}

func TestEnvModeMissingRequest(t *testing.T) {
	a := testAgent(t, store.InMemory())
	var out bytes.Buffer
	rc := a.RunEnv(context.Background(), func(string) string { return "" }, &out)
	assert.Equal(t, 1, rc)
	assert.Empty(t, out.String())
}
