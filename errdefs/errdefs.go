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

// Package errdefs defines the error taxonomy shared by the build,
// provisioning and dispatch layers. Callers classify with errors.As;
// Retryable is the single source of truth for what the dispatcher may
// retry. Provider backends must map their native failures onto these
// types without rewording the underlying message.
package errdefs

import (
	"errors"
	"fmt"
	"time"
)

// ConfigError reports invalid user input: a malformed profile, spec
// or argument. Never retried.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config: " + e.Msg }

func Configf(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// AuthError reports rejected credentials. Fails fast; the provider's
// original message is preserved so the operator sees which credential
// source failed.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth: %s: %s", e.Op, e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// QuotaError reports a capacity or rate limit. Retryable.
type QuotaError struct {
	Op  string
	Err error
}

func (e *QuotaError) Error() string { return fmt.Sprintf("quota: %s: %s", e.Op, e.Err) }
func (e *QuotaError) Unwrap() error { return e.Err }

// NotFoundError reports a dangling reference to a provider-side
// object. Permanent.
type NotFoundError struct {
	Kind string
	Ref  string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.Ref) }

// TransientError reports a network or service hiccup worth retrying.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %s: %s", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// ProvisionError reports a permanent provisioning failure that is
// neither quota nor auth.
type ProvisionError struct {
	Op  string
	Err error
}

func (e *ProvisionError) Error() string { return fmt.Sprintf("provision: %s: %s", e.Op, e.Err) }
func (e *ProvisionError) Unwrap() error { return e.Err }

// BuildError reports that an image build failed for reasons inherent
// to the spec (a package that does not exist, a step that exits
// nonzero). Permanent: retrying the same spec fails the same way.
type BuildError struct {
	Hash string
	Err  error
	Logs []byte
}

func (e *BuildError) Error() string { return fmt.Sprintf("build %s: %s", short(e.Hash), e.Err) }
func (e *BuildError) Unwrap() error { return e.Err }

// RegistryError reports a registry interaction failure (push, lookup,
// auth handshake with the registry). Transient unless wrapped around
// an AuthError.
type RegistryError struct {
	Op  string
	Err error
}

func (e *RegistryError) Error() string { return fmt.Sprintf("registry: %s: %s", e.Op, e.Err) }
func (e *RegistryError) Unwrap() error { return e.Err }

// TimeoutError reports that an invocation exceeded its wall-clock
// budget after dispatch. The compute has been torn down by the time
// callers see it.
type TimeoutError struct {
	RequestID string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("invocation %s timed out after %s", e.RequestID, e.After)
}

// ExecutionError carries a failure raised by the user's function on
// the remote side: the infrastructure worked, the code did not. Never
// retried; Type and Message round-trip the wire verbatim.
type ExecutionError struct {
	Type    string
	Message string
	Logs    []byte
}

func (e *ExecutionError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("remote %s: %s", e.Type, e.Message)
	}
	return "remote error: " + e.Message
}

// AgentError reports that the runtime agent failed around the user's
// function: fetching the bundle, running setup steps, or framing the
// result. An infrastructure failure, distinct from ExecutionError.
type AgentError struct {
	Msg  string
	Logs []byte
}

func (e *AgentError) Error() string { return "agent: " + e.Msg }

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// Retryable reports whether the dispatcher may re-attempt the
// operation that produced err. Execution and agent outcomes are never
// retryable here; the dispatcher owns that policy separately.
func Retryable(err error) bool {
	var quota *QuotaError
	var transient *TransientError
	var reg *RegistryError
	switch {
	case errors.As(err, &quota), errors.As(err, &transient):
		return true
	case errors.As(err, &reg):
		var auth *AuthError
		return !errors.As(err, &auth)
	}
	return false
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
