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
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/batch"
	"github.com/aws/aws-sdk-go/service/batch/batchiface"
	"go.uber.org/zap"

	"github.com/coral-run/coral/errdefs"
	"github.com/coral-run/coral/protocol"
	"github.com/coral-run/coral/provider"
	"github.com/coral-run/coral/spec"
	"github.com/coral-run/coral/store"
)

// batchFabric runs invocations as AWS Batch jobs. The request rides
// in on the job environment; the result comes back through the store
// because a batch container has no response channel.
type batchFabric struct {
	api       batchiface.BatchAPI
	queue     string
	gpuQueues map[string]string
	jobRole   string
	store     store.Store
	storeURL  string
	log       *zap.Logger

	poll time.Duration
}

func newBatchFabric(api batchiface.BatchAPI, st store.Store, opts *Options, storeURL string, log *zap.Logger) *batchFabric {
	return &batchFabric{
		api:       api,
		queue:     opts.JobQueue,
		gpuQueues: opts.GPUQueues,
		jobRole:   opts.JobRoleARN,
		store:     st,
		storeURL:  storeURL,
		log:       log,
		poll:      5 * time.Second,
	}
}

func (f *batchFabric) Provision(ctx context.Context, ps *provider.ProvisionSpec) (*provider.Handle, error) {
	if ps.Request == nil {
		return nil, errdefs.Configf("batch fabric needs the request at provision time")
	}
	if ps.Request.ResultRef == "" {
		return nil, errdefs.Configf("batch fabric needs a result ref on the request")
	}
	fn := ps.Function
	gpu, err := spec.ParseGPU(fn.Resources.GPU)
	if err != nil {
		return nil, err
	}
	memory, err := spec.ParseMemoryMiB(fn.Resources.Memory)
	if err != nil {
		return nil, err
	}
	queue := f.queue
	if !gpu.Empty() {
		if mapped, ok := f.gpuQueues[strings.ToLower(gpu.Type)]; ok {
			queue = mapped
		}
	}
	if queue == "" {
		return nil, errdefs.Configf("batch fabric has no job queue configured")
	}

	env, err := requestEnv(ps.Request, f.storeURL)
	if err != nil {
		return nil, err
	}

	reqs := []*batch.ResourceRequirement{
		{Type: aws.String(batch.ResourceTypeVcpu), Value: aws.String(strconv.Itoa(fn.Resources.CPU))},
		{Type: aws.String(batch.ResourceTypeMemory), Value: aws.String(strconv.FormatInt(memory, 10))},
	}
	if !gpu.Empty() {
		reqs = append(reqs, &batch.ResourceRequirement{
			Type:  aws.String(batch.ResourceTypeGpu),
			Value: aws.String(strconv.Itoa(gpu.Count)),
		})
	}

	props := &batch.ContainerProperties{
		Image:                aws.String(ps.Image.URI),
		ResourceRequirements: reqs,
		Environment:          env,
	}
	if f.jobRole != "" {
		props.JobRoleArn = aws.String(f.jobRole)
	}
	timeoutSecs := int64(fn.Resources.Timeout.Seconds())
	if timeoutSecs < 60 {
		timeoutSecs = 60
	}

	defName := "coral-" + fn.AppName + "-" + fn.Name
	reg, err := f.api.RegisterJobDefinitionWithContext(ctx, &batch.RegisterJobDefinitionInput{
		JobDefinitionName:   aws.String(defName),
		Type:                aws.String(batch.JobDefinitionTypeContainer),
		ContainerProperties: props,
		Timeout:             &batch.JobTimeout{AttemptDurationSeconds: aws.Int64(timeoutSecs)},
	})
	if err != nil {
		if mapped := classify("batch register "+defName, err); mapped != err {
			return nil, mapped
		}
		return nil, &errdefs.ProvisionError{Op: "batch register " + defName, Err: err}
	}

	jobName := defName
	if id := shortID(ps.Request.RequestID); id != "" {
		jobName = defName + "-" + id
	}
	sub, err := f.api.SubmitJobWithContext(ctx, &batch.SubmitJobInput{
		JobName:       aws.String(jobName),
		JobQueue:      aws.String(queue),
		JobDefinition: reg.JobDefinitionArn,
	})
	if err != nil {
		if mapped := classify("batch submit "+jobName, err); mapped != err {
			return nil, mapped
		}
		return nil, &errdefs.ProvisionError{Op: "batch submit " + jobName, Err: err}
	}
	f.log.Debug("submitted batch job",
		zap.String("job", aws.StringValue(sub.JobId)),
		zap.String("queue", queue))
	return &provider.Handle{
		Provider: "aws",
		Kind:     "batch",
		ID:       aws.StringValue(sub.JobId),
		Ref:      aws.StringValue(reg.JobDefinitionArn),
	}, nil
}

func (f *batchFabric) Invoke(ctx context.Context, h *provider.Handle, req *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
	for {
		out, err := f.api.DescribeJobsWithContext(ctx, &batch.DescribeJobsInput{
			Jobs: []*string{aws.String(h.ID)},
		})
		if err != nil {
			err = classify("batch describe "+h.ID, err)
			if !errdefs.Retryable(err) {
				return nil, err
			}
			f.log.Debug("describe jobs", zap.Error(err))
		} else {
			if len(out.Jobs) == 0 {
				return nil, &errdefs.NotFoundError{Kind: "batch job", Ref: h.ID}
			}
			job := out.Jobs[0]
			switch aws.StringValue(job.Status) {
			case batch.JobStatusSucceeded:
				res, err := protocol.ReadResult(ctx, f.store, req.ResultRef)
				if err != nil {
					return nil, &errdefs.AgentError{
						Msg: fmt.Sprintf("job %s succeeded but result %s unreadable: %s", h.ID, req.ResultRef, err),
					}
				}
				return res, nil
			case batch.JobStatusFailed:
				// The agent writes a structured failure before
				// exiting nonzero when it can.
				if res, err := protocol.ReadResult(ctx, f.store, req.ResultRef); err == nil {
					return res, nil
				}
				return nil, &errdefs.AgentError{Msg: fmt.Sprintf("job %s failed: %s", h.ID, jobReason(job))}
			}
		}
		if err := sleep(ctx, f.poll); err != nil {
			return nil, err
		}
	}
}

func (f *batchFabric) Release(ctx context.Context, h *provider.Handle) error {
	_, err := f.api.TerminateJobWithContext(ctx, &batch.TerminateJobInput{
		JobId:  aws.String(h.ID),
		Reason: aws.String("released by coral"),
	})
	if err != nil {
		// Terminating a finished job is the common case here.
		f.log.Debug("terminate job", zap.String("job", h.ID), zap.Error(err))
	}
	if h.Ref == "" {
		return nil
	}
	_, err = f.api.DeregisterJobDefinitionWithContext(ctx, &batch.DeregisterJobDefinitionInput{
		JobDefinition: aws.String(h.Ref),
	})
	if err != nil {
		if mapped := classify("batch deregister "+h.Ref, err); mapped != err {
			return mapped
		}
		return err
	}
	return nil
}

// requestEnv encodes the request for transport on a container
// environment, chunked to stay under per-variable limits.
func requestEnv(req *protocol.InvocationRequest, storeURL string) ([]*batch.KeyValuePair, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	vars, err := protocol.EncodeEnv("CORAL_REQUEST", payload)
	if err != nil {
		return nil, err
	}
	vars["CORAL_OBJECT_STORE"] = storeURL
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*batch.KeyValuePair, 0, len(keys))
	for _, k := range keys {
		out = append(out, &batch.KeyValuePair{Name: aws.String(k), Value: aws.String(vars[k])})
	}
	return out, nil
}

func jobReason(job *batch.JobDetail) string {
	reason := aws.StringValue(job.StatusReason)
	if job.Container != nil {
		if r := aws.StringValue(job.Container.Reason); r != "" {
			if reason != "" {
				reason += ": "
			}
			reason += r
		}
	}
	if reason == "" {
		reason = "no reason reported"
	}
	return reason
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
