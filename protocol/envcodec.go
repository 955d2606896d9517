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
	"encoding/base64"
	"fmt"
	"io"
	"strconv"

	"github.com/klauspost/compress/gzip"
)

// MaxEnvChunk caps a single environment variable's value. Batch and
// pod fabrics deliver the request through env vars, which several
// schedulers clamp around 4-8KiB per entry, so oversized payloads are
// split into NAME_CHUNKS + NAME_0000.. pieces.
const MaxEnvChunk = 4096

// EncodeEnv packs payload for env-var transport: gzip, base64, then
// chunk.
func EncodeEnv(name string, payload []byte) (map[string]string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	enc := base64.StdEncoding.EncodeToString(buf.Bytes())
	out := make(map[string]string)
	if len(enc) <= MaxEnvChunk {
		out[name] = enc
		return out, nil
	}
	var n int
	for off := 0; off < len(enc); off += MaxEnvChunk {
		end := off + MaxEnvChunk
		if end > len(enc) {
			end = len(enc)
		}
		out[fmt.Sprintf("%s_%04d", name, n)] = enc[off:end]
		n++
	}
	out[name+"_CHUNKS"] = strconv.Itoa(n)
	return out, nil
}

// DecodeEnv reassembles a payload written by EncodeEnv. getenv is
// os.Getenv in production and a map lookup in tests.
func DecodeEnv(name string, getenv func(string) string) ([]byte, error) {
	enc := getenv(name)
	if enc == "" {
		nStr := getenv(name + "_CHUNKS")
		if nStr == "" {
			return nil, fmt.Errorf("env %s: not set", name)
		}
		n, err := strconv.Atoi(nStr)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("env %s: bad chunk count %q", name, nStr)
		}
		var sb bytes.Buffer
		for i := 0; i < n; i++ {
			piece := getenv(fmt.Sprintf("%s_%04d", name, i))
			if piece == "" {
				return nil, fmt.Errorf("env %s: missing chunk %d of %d", name, i, n)
			}
			sb.WriteString(piece)
		}
		enc = sb.String()
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("env %s: %w", name, err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("env %s: %w", name, err)
	}
	defer zr.Close()
	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("env %s: %w", name, err)
	}
	return payload, nil
}
