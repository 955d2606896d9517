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
	"encoding/json"
)

// ResultMarker frames the one result line a function process emits on
// stdout. Everything else the process prints is the log stream, never
// interleaved with the return value.
const ResultMarker = "__CORAL_RESULT__:"

// FrameResult renders the marker line, newline-terminated.
func FrameResult(res *InvocationResult) ([]byte, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	line := make([]byte, 0, len(ResultMarker)+base64.StdEncoding.EncodedLen(len(data))+1)
	line = append(line, ResultMarker...)
	line = append(line, base64.StdEncoding.EncodeToString(data)...)
	line = append(line, '\n')
	return line, nil
}

// ExtractResult splits captured process output into the framed result
// and the remaining log stream. The last marker line wins if the
// function itself happened to print one. ok is false when no valid
// frame was found.
func ExtractResult(combined []byte) (res *InvocationResult, logs []byte, ok bool) {
	var kept [][]byte
	for _, line := range bytes.Split(combined, []byte("\n")) {
		trimmed := bytes.TrimRight(line, "\r")
		if bytes.HasPrefix(trimmed, []byte(ResultMarker)) {
			data, err := base64.StdEncoding.DecodeString(string(trimmed[len(ResultMarker):]))
			if err != nil {
				kept = append(kept, line)
				continue
			}
			var decoded InvocationResult
			if err := json.Unmarshal(data, &decoded); err != nil {
				kept = append(kept, line)
				continue
			}
			res = &decoded
			ok = true
			continue
		}
		kept = append(kept, line)
	}
	logs = bytes.Join(kept, []byte("\n"))
	logs = bytes.TrimRight(logs, "\n")
	if len(logs) > 0 {
		logs = append(logs, '\n')
	}
	return res, logs, ok
}
