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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/sts"
	"github.com/google/subcommands"

	"github.com/coral-run/coral/cmd/internal/cli"
	"github.com/coral-run/coral/provider"
	awsprov "github.com/coral-run/coral/providers/aws"
	"github.com/coral-run/coral/providers/prime"
)

type SetupCommand struct {
	kind       string
	region     string
	bucket     string
	repo       string
	fabric     string
	roleARN    string
	jobQueue   string
	agentImage string

	apiKeyEnv string
	teamID    string
	gpuType   string
	imageFrom string
	storeURL  string

	setDefault bool
}

func (*SetupCommand) Name() string { return "setup" }
func (*SetupCommand) Synopsis() string {
	return "Write a backend profile and provision its cloud resources"
}
func (*SetupCommand) Usage() string {
	return `setup -kind aws|prime [flags] [NAME]

Verifies credentials, creates missing resources (bucket, image
repository), and writes the profile to ` + provider.ConfigPath() + `.
NAME defaults to the kind.
`
}

func (c *SetupCommand) SetFlags(flags *flag.FlagSet) {
	flags.StringVar(&c.kind, "kind", "aws", "Backend kind (aws, prime)")
	flags.StringVar(&c.region, "region", "", "AWS region")
	flags.StringVar(&c.bucket, "bucket", "", "S3 bucket for the object store")
	flags.StringVar(&c.repo, "repo", "", "ECR repository for built images")
	flags.StringVar(&c.fabric, "fabric", "", "AWS compute fabric (lambda, batch)")
	flags.StringVar(&c.roleARN, "role", "", "Execution role ARN for Lambda functions")
	flags.StringVar(&c.jobQueue, "job-queue", "", "Batch job queue")
	flags.StringVar(&c.agentImage, "agent-image", "", "Published coral-agent image copied into builds")

	flags.StringVar(&c.apiKeyEnv, "api-key-env", "", "Environment variable holding the Prime API key")
	flags.StringVar(&c.teamID, "team", "", "Prime team id")
	flags.StringVar(&c.gpuType, "gpu-type", "", "Default Prime pod type for CPU functions")
	flags.StringVar(&c.imageFrom, "image-from", "", "Profile that builds images for this one")
	flags.StringVar(&c.storeURL, "store", "", "Object store URL (s3://BUCKET/PREFIX)")

	flags.BoolVar(&c.setDefault, "default", false, "Make this the default profile")
}

func (c *SetupCommand) Execute(ctx context.Context, flags *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	name := flags.Arg(0)
	if name == "" {
		name = c.kind
	}

	file, err := provider.LoadFile(provider.ConfigPath())
	if err != nil {
		log.Printf("reading config: %s", err)
		return subcommands.ExitFailure
	}
	if file.Profiles == nil {
		file.Profiles = make(map[string]*provider.Profile)
	}

	var prof *provider.Profile
	switch c.kind {
	case "aws":
		prof, err = c.setupAWS(ctx)
	case "prime":
		prof, err = c.setupPrime(ctx, file)
	default:
		err = fmt.Errorf("unknown kind %q (registered: %s)", c.kind, strings.Join(provider.Kinds(), ", "))
	}
	if err != nil {
		log.Printf("setup: %s", err)
		return subcommands.ExitFailure
	}

	prof.Name = name
	file.Profiles[name] = prof
	if c.setDefault || file.Default == "" {
		file.Default = name
	}
	if err := cli.WriteConfig(file, provider.ConfigPath()); err != nil {
		log.Printf("writing config: %s", err)
		return subcommands.ExitFailure
	}

	log.Printf("Profile %q written to %s.", name, provider.ConfigPath())
	log.Printf("Try it: coral -profile %s run ./your-app your-function", name)
	return subcommands.ExitSuccess
}

func (c *SetupCommand) setupAWS(ctx context.Context) (*provider.Profile, error) {
	if c.bucket == "" {
		return nil, fmt.Errorf("aws profiles need -bucket")
	}
	if c.repo != "" && c.agentImage == "" {
		return nil, fmt.Errorf("-repo needs -agent-image (the published coral-agent base)")
	}

	awscfg := aws.NewConfig().WithCredentialsChainVerboseErrors(true)
	if c.region != "" {
		awscfg = awscfg.WithRegion(c.region)
	}
	sess, err := session.NewSession(awscfg)
	if err != nil {
		return nil, err
	}
	region := aws.StringValue(sess.Config.Region)
	if region == "" {
		return nil, fmt.Errorf("no region: pass -region or set AWS_REGION")
	}

	ident, err := sts.New(sess).GetCallerIdentityWithContext(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("no usable AWS credentials: %w", err)
	}
	log.Printf("AWS credentials detected for account %s.", aws.StringValue(ident.Account))

	if err := ensureBucket(ctx, s3.New(sess), c.bucket, region); err != nil {
		return nil, err
	}
	log.Printf("Bucket %s ready.", c.bucket)

	if c.repo != "" {
		if err := awsprov.EnsureRepository(ctx, ecr.New(sess), c.repo); err != nil {
			return nil, err
		}
		log.Printf("Repository %s ready.", c.repo)
	}

	prof := &provider.Profile{
		Kind:       "aws",
		Store:      fmt.Sprintf("s3://%s/coral/", c.bucket),
		Region:     region,
		Repo:       c.repo,
		AgentImage: c.agentImage,
	}
	opts := map[string]interface{}{}
	if c.fabric != "" {
		opts["fabric"] = c.fabric
	}
	if c.roleARN != "" {
		opts["role_arn"] = c.roleARN
	}
	if c.jobQueue != "" {
		opts["job_queue"] = c.jobQueue
	}
	if len(opts) > 0 {
		prof.Options = opts
	}
	return prof, nil
}

func (c *SetupCommand) setupPrime(ctx context.Context, file *provider.File) (*provider.Profile, error) {
	if c.apiKeyEnv == "" {
		return nil, fmt.Errorf("prime profiles need -api-key-env")
	}
	key := os.Getenv(c.apiKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("$%s is empty; export your Prime API key first", c.apiKeyEnv)
	}
	if c.imageFrom == "" {
		return nil, fmt.Errorf("prime profiles need -image-from naming a building profile")
	}
	builder, ok := file.Profiles[c.imageFrom]
	if !ok {
		return nil, fmt.Errorf("profile %q not found; run setup for it first", c.imageFrom)
	}
	store := c.storeURL
	if store == "" {
		// Pods write results where the driver reads them; share the
		// builder's store unless told otherwise.
		store = builder.Store
	}
	if store == "" {
		return nil, fmt.Errorf("no store: pass -store or configure one on %q", c.imageFrom)
	}

	gpuType := c.gpuType
	if gpuType == "" {
		gpuType = "CPU_NODE"
	}
	client := prime.NewClient(key, c.teamID)
	if _, err := client.AvailableGPUs(ctx, gpuType, 1); err != nil {
		return nil, fmt.Errorf("prime availability check: %w", err)
	}
	log.Printf("Prime API key accepted.")

	prof := &provider.Profile{
		Kind:      "prime",
		Store:     store,
		ImageFrom: c.imageFrom,
		Options: map[string]interface{}{
			"api_key_env": c.apiKeyEnv,
		},
	}
	if c.teamID != "" {
		prof.Options["team_id"] = c.teamID
	}
	if c.gpuType != "" {
		prof.Options["gpu_type"] = c.gpuType
	}
	return prof, nil
}

// ensureBucket creates the bucket, treating "already owned by you" as
// success. us-east-1 is the one region CreateBucket rejects as an
// explicit location constraint.
func ensureBucket(ctx context.Context, api *s3.S3, bucket, region string) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if region != "us-east-1" {
		input.CreateBucketConfiguration = &s3.CreateBucketConfiguration{
			LocationConstraint: aws.String(region),
		}
	}
	_, err := api.CreateBucketWithContext(ctx, input)
	if err != nil {
		if isAWSCode(err, s3.ErrCodeBucketAlreadyOwnedByYou) {
			return nil
		}
		return fmt.Errorf("creating bucket %s: %w", bucket, err)
	}
	return nil
}

func isAWSCode(err error, codes ...string) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	for _, code := range codes {
		if aerr.Code() == code {
			return true
		}
	}
	return false
}
