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

package protocol

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-run/coral/errdefs"
	"github.com/coral-run/coral/store"
)

func TestEncodeEnvSmall(t *testing.T) {
	env, err := EncodeEnv("CORAL_REQUEST", []byte(`{"request_id":"r1"}`))
	require.NoError(t, err)
	require.Len(t, env, 1)
	_, ok := env["CORAL_REQUEST"]
	assert.True(t, ok)

	got, err := DecodeEnv("CORAL_REQUEST", func(k string) string { return env[k] })
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"request_id":"r1"}`), got)
}

func TestEncodeEnvChunked(t *testing.T) {
	// Random bytes defeat gzip so the encoded form must chunk.
	payload := make([]byte, 64<<10)
	rand.New(rand.NewSource(1)).Read(payload)
	env, err := EncodeEnv("CORAL_REQUEST", payload)
	require.NoError(t, err)
	_, whole := env["CORAL_REQUEST"]
	assert.False(t, whole)
	assert.NotEmpty(t, env["CORAL_REQUEST_CHUNKS"])
	for k, v := range env {
		if k == "CORAL_REQUEST_CHUNKS" {
			continue
		}
		assert.LessOrEqual(t, len(v), MaxEnvChunk, "chunk %s", k)
	}

	got, err := DecodeEnv("CORAL_REQUEST", func(k string) string { return env[k] })
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDecodeEnvMissingChunk(t *testing.T) {
	payload := make([]byte, 64<<10)
	rand.New(rand.NewSource(2)).Read(payload)
	env, err := EncodeEnv("CORAL_REQUEST", payload)
	require.NoError(t, err)
	delete(env, "CORAL_REQUEST_0001")
	_, err = DecodeEnv("CORAL_REQUEST", func(k string) string { return env[k] })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing chunk")
}

func TestFrameRoundTrip(t *testing.T) {
	res := OKResult("r1", Value(`{"sum":42}`))
	frame, err := FrameResult(res)
	require.NoError(t, err)

	var out bytes.Buffer
	out.WriteString("starting up\n")
	out.Write(frame)
	out.WriteString("bye\n")

	got, logs, ok := ExtractResult(out.Bytes())
	require.True(t, ok)
	assert.Equal(t, "r1", got.RequestID)
	assert.Equal(t, StatusOK, got.Status)
	assert.JSONEq(t, `{"sum":42}`, string(got.Value))
	assert.Equal(t, "starting up\nbye\n", string(logs))
}

func TestExtractResultNoFrame(t *testing.T) {
	_, logs, ok := ExtractResult([]byte("only logs\nno result here\n"))
	assert.False(t, ok)
	assert.Equal(t, "only logs\nno result here\n", string(logs))
}

func TestExtractResultBogusMarkerKept(t *testing.T) {
	line := ResultMarker + "not base64!!\n"
	res, logs, ok := ExtractResult([]byte(line))
	assert.False(t, ok)
	assert.Nil(t, res)
	assert.Equal(t, strings.TrimRight(line, "\n")+"\n", string(logs))
}

func TestStoreBlobInlineVsRef(t *testing.T) {
	ctx := context.Background()
	mem := store.InMemory()

	small := StoreBlob(ctx, mem, "logs/small", []byte("hi"))
	assert.Empty(t, small.Ref)
	assert.Equal(t, []byte("hi"), small.Inline)
	assert.Equal(t, 0, mem.Puts())

	big := StoreBlob(ctx, mem, "logs/big", bytes.Repeat([]byte("x"), MaxInlineBlob+1))
	assert.Equal(t, "logs/big", big.Ref)
	assert.Empty(t, big.Inline)
	assert.Equal(t, 1, mem.Puts())

	data, err := big.Read(ctx, mem)
	require.NoError(t, err)
	assert.Len(t, data, MaxInlineBlob+1)
}

func TestBlobErrRead(t *testing.T) {
	b := &Blob{Err: "upload exploded"}
	_, err := b.Read(context.Background(), store.InMemory())
	require.Error(t, err)
	assert.Equal(t, "upload exploded", err.Error())
}

func TestResultErr(t *testing.T) {
	ok := OKResult("r1", Value(`1`))
	assert.NoError(t, ok.Err())

	res := ErrorResult("r1", "ValueError", "bad input")
	res.Logs = NewInlineBlob([]byte("trace\n"))
	err := res.Err()
	require.Error(t, err)
	var exec *errdefs.ExecutionError
	require.True(t, errors.As(err, &exec))
	assert.Equal(t, "ValueError", exec.Type)
	assert.Equal(t, "bad input", exec.Message)
	assert.Equal(t, []byte("trace\n"), exec.Logs)
}
