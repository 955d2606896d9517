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
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/coral-run/coral/protocol"
)

// EnvRequest carries the invocation request for env-mode compute,
// chunked per protocol.EncodeEnv.
const EnvRequest = "CORAL_REQUEST"

// ServeLambda serves invocations from the Lambda runtime API until the
// sandbox is frozen. Agent failures are returned as handler errors, so
// the invoking fabric sees a Lambda FunctionError and maps it back to
// an AgentError.
func (a *Agent) ServeLambda(ctx context.Context) {
	lambda.StartWithContext(ctx, func(ctx context.Context, req *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
		res, err := a.Handle(ctx, req)
		if err != nil {
			a.log.Error("invocation failed",
				zap.String("request_id", req.RequestID),
				zap.Error(err))
			return nil, err
		}
		return res, nil
	})
}

// RunEnv serves the single invocation delivered through the
// environment, the transport for batch jobs and GPU pods. The result
// is written to the request's ResultRef when a store is configured,
// and framed on stdout either way. The return value is the process
// exit code: 0 whenever a result was delivered, including error-status
// results; 1 when the agent itself failed.
func (a *Agent) RunEnv(ctx context.Context, getenv func(string) string, stdout io.Writer) int {
	payload, err := protocol.DecodeEnv(EnvRequest, getenv)
	if err != nil {
		a.log.Error("reading request from environment", zap.Error(err))
		return 1
	}
	var req protocol.InvocationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		a.log.Error("decoding request", zap.Error(err))
		return 1
	}

	res, err := a.Handle(ctx, &req)
	if err != nil {
		a.log.Error("invocation failed",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
		// Deliver a structured failure so result pollers see what
		// happened instead of timing out.
		a.deliver(ctx, &req, agentFailure(&req, err), stdout)
		return 1
	}
	if err := a.deliver(ctx, &req, res, stdout); err != nil {
		a.log.Error("delivering result",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
		return 1
	}
	return 0
}

func (a *Agent) deliver(ctx context.Context, req *protocol.InvocationRequest, res *protocol.InvocationResult, stdout io.Writer) error {
	if a.store != nil && req.ResultRef != "" {
		if err := protocol.WriteResult(ctx, a.store, req.ResultRef, res); err != nil {
			return fmt.Errorf("writing result to %s: %w", req.ResultRef, err)
		}
	}
	frame, err := protocol.FrameResult(res)
	if err != nil {
		return err
	}
	_, err = stdout.Write(frame)
	return err
}
