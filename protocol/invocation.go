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

// Package protocol is the wire contract between the dispatcher and
// the runtime agent. Field names are frozen; additions must be
// backwards compatible within a Version.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/coral-run/coral/errdefs"
	"github.com/coral-run/coral/tracing"
)

const Version = 1

// CodecJSON is the only argument codec this version speaks: each
// argument is an independently JSON-encoded value.
const CodecJSON = "json/v1"

// Value is one serialized argument or return value.
type Value = json.RawMessage

// SetupStep prepares the environment at cold start when the function
// skipped the image build.
type SetupStep struct {
	Kind  string            `json:"kind"`
	Names []string          `json:"names,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
}

const (
	SetupApt     = "apt"
	SetupPip     = "pip"
	SetupRun     = "run"
	SetupEnv     = "env"
	SetupWorkdir = "workdir"
)

type InvocationRequest struct {
	RequestID  string               `json:"request_id"`
	Function   string               `json:"function"`
	Args       []Value              `json:"args,omitempty"`
	Kwargs     map[string]Value     `json:"kwargs,omitempty"`
	Codec      string               `json:"codec"`
	Bundle     string               `json:"bundle,omitempty"`
	ResultRef  string               `json:"result_ref,omitempty"`
	SetupSteps []SetupStep          `json:"setup_steps,omitempty"`
	Labels     map[string]string    `json:"labels,omitempty"`
	Trace      *tracing.Propagation `json:"trace,omitempty"`
	Version    int                  `json:"version"`
}

type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// RemoteError is the serialized form of a failure raised by the
// user's function. Type and Message survive the wire verbatim.
type RemoteError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Timing struct {
	ColdStart bool          `json:"cold"`
	Setup     time.Duration `json:"setup,omitempty"`
	Fetch     time.Duration `json:"fetch,omitempty"`
	Exec      time.Duration `json:"exec,omitempty"`
	E2E       time.Duration `json:"e2e,omitempty"`
}

// InvocationResult is the agent's single reply. StatusError still
// means the invocation round-tripped: the function ran and raised.
// Agent-level failures never produce a result; they surface as
// errdefs.AgentError from the provider.
type InvocationResult struct {
	RequestID   string         `json:"request_id"`
	Status      Status         `json:"status"`
	Value       Value          `json:"value,omitempty"`
	Error       *RemoteError   `json:"error,omitempty"`
	Logs        *Blob          `json:"logs,omitempty"`
	InlineSpans []tracing.Span `json:"inlinespans,omitempty"`
	Spans       *Blob          `json:"spans,omitempty"`
	Times       Timing         `json:"times"`
	Version     int            `json:"version"`
}

func OKResult(requestID string, value Value) *InvocationResult {
	return &InvocationResult{
		RequestID: requestID,
		Status:    StatusOK,
		Value:     value,
		Version:   Version,
	}
}

func ErrorResult(requestID, remoteType, message string) *InvocationResult {
	return &InvocationResult{
		RequestID: requestID,
		Status:    StatusError,
		Error:     &RemoteError{Type: remoteType, Message: message},
		Version:   Version,
	}
}

// AgentErrorType marks an error-status result produced by the agent
// rather than the user's function. Backends that read results from a
// store rely on it to keep the two failure classes apart.
const AgentErrorType = "coral.agent"

// Err converts an error-status result into the typed error callers
// unwrap, attaching any inline logs. Returns nil for ok results.
func (r *InvocationResult) Err() error {
	if r.Status != StatusError {
		return nil
	}
	var logs []byte
	if r.Logs != nil {
		logs = r.Logs.Inline
	}
	if r.Error != nil && r.Error.Type == AgentErrorType {
		return &errdefs.AgentError{Msg: r.Error.Message, Logs: logs}
	}
	e := &errdefs.ExecutionError{Logs: logs}
	if r.Error != nil {
		e.Type = r.Error.Type
		e.Message = r.Error.Message
	}
	return e
}
