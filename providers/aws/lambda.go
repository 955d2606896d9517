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

package aws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"go.uber.org/zap"

	"github.com/coral-run/coral/errdefs"
	"github.com/coral-run/coral/protocol"
	"github.com/coral-run/coral/provider"
	"github.com/coral-run/coral/spec"
)

const (
	// Minimum memory that buys one full vCPU on Lambda.
	lambdaMinMemoryMiB = 1769

	// Lambda's own ceiling on function timeouts.
	lambdaMaxTimeout = 15 * time.Minute
)

// lambdaFabric runs invocations on container-image Lambda functions.
// Results come back inline on the invoke response.
type lambdaFabric struct {
	api      lambdaiface.LambdaAPI
	role     string
	storeURL string
	log      *zap.Logger

	waitPoll time.Duration
}

func newLambdaFabric(api lambdaiface.LambdaAPI, role, storeURL string, log *zap.Logger) *lambdaFabric {
	return &lambdaFabric{
		api:      api,
		role:     role,
		storeURL: storeURL,
		log:      log,
		waitPoll: 3 * time.Second,
	}
}

func (f *lambdaFabric) Provision(ctx context.Context, ps *provider.ProvisionSpec) (*provider.Handle, error) {
	fn := ps.Function
	gpu, err := spec.ParseGPU(fn.Resources.GPU)
	if err != nil {
		return nil, err
	}
	if !gpu.Empty() {
		return nil, errdefs.Configf("function %s requests gpu %s; lambda has no GPUs, use the batch fabric",
			fn.Qualified(), gpu)
	}
	memory, err := spec.ParseMemoryMiB(fn.Resources.Memory)
	if err != nil {
		return nil, err
	}
	if memory < lambdaMinMemoryMiB {
		memory = lambdaMinMemoryMiB
	}
	timeout := fn.Resources.Timeout
	if timeout <= 0 || timeout > lambdaMaxTimeout {
		timeout = lambdaMaxTimeout
	}

	name := functionName(fn)
	args := &lambda.CreateFunctionInput{
		FunctionName: aws.String(name),
		Role:         aws.String(f.role),
		Environment: &lambda.Environment{
			Variables: map[string]*string{
				"CORAL_OBJECT_STORE": aws.String(f.storeURL),
			},
		},
		Tags: map[string]*string{
			"CoralFunction": aws.String(fn.Qualified()),
		},
		Code: &lambda.FunctionCode{
			ImageUri: aws.String(ps.Image.URI),
		},
		PackageType: aws.String(lambda.PackageTypeImage),
		MemorySize:  aws.Int64(memory),
		Timeout:     aws.Int64(int64(timeout.Seconds())),
	}

	_, err = f.api.CreateFunctionWithContext(ctx, args)
	switch {
	case err == nil:
		f.log.Debug("creating lambda function", zap.String("function", name))
	case isConflict(err):
		f.log.Debug("updating lambda function", zap.String("function", name))
		if err := f.update(ctx, name, memory, timeout, ps.Image.URI); err != nil {
			return nil, err
		}
	default:
		if mapped := classify("lambda create "+name, err); mapped != err {
			return nil, mapped
		}
		return nil, &errdefs.ProvisionError{Op: "lambda create " + name, Err: err}
	}

	if err := f.waitReady(ctx, name); err != nil {
		return nil, err
	}
	return &provider.Handle{Provider: "aws", Kind: "lambda", ID: name, Ref: ps.Image.URI}, nil
}

func (f *lambdaFabric) update(ctx context.Context, name string, memory int64, timeout time.Duration, imageURI string) error {
	_, err := f.api.UpdateFunctionConfigurationWithContext(ctx, &lambda.UpdateFunctionConfigurationInput{
		FunctionName: aws.String(name),
		Role:         aws.String(f.role),
		MemorySize:   aws.Int64(memory),
		Timeout:      aws.Int64(int64(timeout.Seconds())),
		Environment: &lambda.Environment{
			Variables: map[string]*string{
				"CORAL_OBJECT_STORE": aws.String(f.storeURL),
			},
		},
	})
	if err != nil {
		if mapped := classify("lambda update "+name, err); mapped != err {
			return mapped
		}
		return &errdefs.ProvisionError{Op: "lambda update " + name, Err: err}
	}
	if err := f.waitReady(ctx, name); err != nil {
		return err
	}
	_, err = f.api.UpdateFunctionCodeWithContext(ctx, &lambda.UpdateFunctionCodeInput{
		FunctionName: aws.String(name),
		ImageUri:     aws.String(imageURI),
	})
	if err != nil {
		if mapped := classify("lambda deploy "+name, err); mapped != err {
			return mapped
		}
		return &errdefs.ProvisionError{Op: "lambda deploy " + name, Err: err}
	}
	return nil
}

// waitReady polls until the function's last update lands. Lambda
// keeps serving the old code while an update is in progress, so
// dispatching before this returns would run a stale image.
func (f *lambdaFabric) waitReady(ctx context.Context, name string) error {
	args := &lambda.GetFunctionInput{FunctionName: aws.String(name)}
	for {
		if err := sleep(ctx, f.waitPoll); err != nil {
			return err
		}
		out, err := f.api.GetFunctionWithContext(ctx, args)
		if err != nil {
			f.log.Debug("waiting for lambda function", zap.String("function", name), zap.Error(err))
			continue
		}
		cfg := out.Configuration
		if cfg == nil {
			continue
		}
		if aws.StringValue(cfg.State) == lambda.StateFailed {
			return &errdefs.ProvisionError{Op: "lambda " + name,
				Err: fmt.Errorf("function entered failed state: %s", aws.StringValue(cfg.StateReason))}
		}
		switch aws.StringValue(cfg.LastUpdateStatus) {
		case lambda.LastUpdateStatusSuccessful:
			return nil
		case lambda.LastUpdateStatusInProgress, "":
			continue
		default:
			return &errdefs.ProvisionError{Op: "lambda " + name,
				Err: fmt.Errorf("unexpected update status %s: %s",
					aws.StringValue(cfg.LastUpdateStatus), aws.StringValue(cfg.LastUpdateStatusReason))}
		}
	}
}

func (f *lambdaFabric) Invoke(ctx context.Context, h *provider.Handle, req *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	out, err := f.api.InvokeWithContext(ctx, &lambda.InvokeInput{
		FunctionName: aws.String(h.ID),
		Payload:      payload,
		LogType:      aws.String(lambda.LogTypeTail),
	})
	if err != nil {
		if mapped := classify("lambda invoke "+h.ID, err); mapped != err {
			return nil, mapped
		}
		return nil, &errdefs.TransientError{Op: "lambda invoke " + h.ID, Err: err}
	}

	var logs []byte
	if out.LogResult != nil {
		logs, _ = base64.StdEncoding.DecodeString(aws.StringValue(out.LogResult))
	}
	if out.FunctionError != nil {
		// The agent frames user errors as ordinary results; an
		// unhandled error at this level means the agent itself died.
		var le struct {
			Type    string `json:"errorType"`
			Message string `json:"errorMessage"`
		}
		_ = json.Unmarshal(out.Payload, &le)
		msg := le.Message
		if msg == "" {
			msg = string(out.Payload)
		}
		if le.Type != "" {
			msg = le.Type + ": " + msg
		}
		return nil, &errdefs.AgentError{Msg: msg, Logs: logs}
	}

	var res protocol.InvocationResult
	if err := json.Unmarshal(out.Payload, &res); err != nil {
		return nil, &errdefs.AgentError{Msg: fmt.Sprintf("undecodable response: %s", err), Logs: logs}
	}
	if res.Logs == nil && len(logs) > 0 {
		res.Logs = protocol.NewInlineBlob(logs)
	}
	return &res, nil
}

func (f *lambdaFabric) Release(ctx context.Context, h *provider.Handle) error {
	_, err := f.api.DeleteFunctionWithContext(ctx, &lambda.DeleteFunctionInput{
		FunctionName: aws.String(h.ID),
	})
	if err != nil {
		if isCode(err, lambda.ErrCodeResourceNotFoundException) {
			f.log.Debug("lambda function already gone", zap.String("function", h.ID))
			return nil
		}
		if mapped := classify("lambda delete "+h.ID, err); mapped != err {
			return mapped
		}
		return err
	}
	return nil
}

// functionName renders a Lambda-safe name for a coral function.
func functionName(fn *spec.Function) string {
	return "coral-" + fn.AppName + "-" + fn.Name
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
