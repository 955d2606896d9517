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

// Package aws is the direct execution backend: images are built
// locally and pushed to ECR, and invocations run on Lambda container
// functions or Batch jobs depending on the profile's fabric.
package aws

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/batch"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/sts"
	"go.uber.org/zap"

	"github.com/coral-run/coral/build"
	"github.com/coral-run/coral/errdefs"
	"github.com/coral-run/coral/image"
	"github.com/coral-run/coral/protocol"
	"github.com/coral-run/coral/provider"
)

// Type of provider.
const Type = provider.Type("aws")

func init() {
	provider.Register(Type, loader{})
}

// Options is the [profile.NAME.options] table for aws profiles.
type Options struct {
	// Fabric picks how compute is provisioned: "lambda" (default)
	// or "batch".
	Fabric string `toml:"fabric"`
	// RoleARN is the execution role for Lambda functions.
	RoleARN string `toml:"role_arn"`
	// JobQueue receives Batch jobs; GPUQueues overrides it per
	// lowercased GPU type.
	JobQueue  string            `toml:"job_queue"`
	GPUQueues map[string]string `toml:"gpu_queues"`
	// JobRoleARN, when set, is attached to Batch containers.
	JobRoleARN string `toml:"job_role_arn"`
	// Account is the AWS account ID owning the ECR registry. Looked
	// up via STS when empty.
	Account  string `toml:"account"`
	DebugAWS bool   `toml:"debug_aws"`
}

type loader struct{}

func (loader) Load(p *provider.Profile, deps *provider.Deps) (provider.Provider, error) {
	var opts Options
	if err := p.DecodeOptions(&opts); err != nil {
		return nil, err
	}
	awscfg := aws.NewConfig()
	if p.Region != "" {
		awscfg = awscfg.WithRegion(p.Region)
	}
	if opts.DebugAWS {
		awscfg = awscfg.WithLogLevel(aws.LogDebugWithHTTPBody)
	}
	sess, err := session.NewSession(awscfg)
	if err != nil {
		return nil, errdefs.Configf("aws session: %s", err)
	}
	if opts.Account == "" && p.Repo != "" {
		ident, err := sts.New(sess).GetCallerIdentity(&sts.GetCallerIdentityInput{})
		if err != nil {
			return nil, &errdefs.AuthError{Op: "sts get caller identity", Err: err}
		}
		opts.Account = aws.StringValue(ident.Account)
	}
	return New(p, &opts, deps, sess)
}

// fabric is the slice of the backend that differs between Lambda and
// Batch.
type fabric interface {
	Provision(ctx context.Context, ps *provider.ProvisionSpec) (*provider.Handle, error)
	Invoke(ctx context.Context, h *provider.Handle, req *protocol.InvocationRequest) (*protocol.InvocationResult, error)
	Release(ctx context.Context, h *provider.Handle) error
}

var (
	_ fabric = (*lambdaFabric)(nil)
	_ fabric = (*batchFabric)(nil)
)

type Provider struct {
	resolver *build.Resolver
	fabric   fabric
	log      *zap.Logger
}

var _ provider.Provider = (*Provider)(nil)
var _ provider.ImageEnsurer = (*Provider)(nil)

func New(p *provider.Profile, opts *Options, deps *provider.Deps, sess *session.Session) (*Provider, error) {
	log := deps.Log().Named("aws")

	region := p.Region
	if region == "" && sess.Config.Region != nil {
		region = aws.StringValue(sess.Config.Region)
	}

	prov := &Provider{log: log}

	if p.Repo != "" {
		if p.AgentImage == "" {
			return nil, errdefs.Configf("profile %s: repo is set but agent_image is not", p.Name)
		}
		ecrAPI := ecr.New(sess)
		resolver, err := build.NewResolver(build.Config{
			Registry:   NewECRRegistry(ecrAPI, opts.Account, region),
			Builder:    newLoginBuilder(build.NewDockerCLI(log), ecrAPI),
			Records:    deps.Records,
			Repo:       p.Repo,
			AgentImage: p.AgentImage,
			LockDir:    deps.LockDir,
			Logger:     log,
		})
		if err != nil {
			return nil, err
		}
		prov.resolver = resolver
	}

	switch opts.Fabric {
	case "", "lambda":
		if opts.RoleARN == "" {
			return nil, errdefs.Configf("profile %s: lambda fabric needs role_arn", p.Name)
		}
		prov.fabric = newLambdaFabric(lambda.New(sess), opts.RoleARN, p.Store, log)
	case "batch":
		if deps.Store == nil {
			return nil, errdefs.Configf("profile %s: batch fabric needs a store for result transport", p.Name)
		}
		prov.fabric = newBatchFabric(batch.New(sess), deps.Store, opts, p.Store, log)
	default:
		return nil, errdefs.Configf("profile %s: unknown fabric %q (lambda or batch)", p.Name, opts.Fabric)
	}
	return prov, nil
}

func (p *Provider) Name() string { return string(Type) }

func (p *Provider) EnsureImage(ctx context.Context, s *image.Spec) (image.Ref, error) {
	if p.resolver == nil {
		return image.Ref{}, errdefs.Configf("profile has no repo/agent_image; images cannot be built")
	}
	return p.resolver.Resolve(ctx, s)
}

func (p *Provider) Provision(ctx context.Context, ps *provider.ProvisionSpec) (*provider.Handle, error) {
	return p.fabric.Provision(ctx, ps)
}

func (p *Provider) Invoke(ctx context.Context, h *provider.Handle, req *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
	return p.fabric.Invoke(ctx, h, req)
}

func (p *Provider) Release(ctx context.Context, h *provider.Handle) error {
	return p.fabric.Release(ctx, h)
}
