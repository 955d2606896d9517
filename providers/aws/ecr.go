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
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/ecr/ecriface"

	"github.com/coral-run/coral/build"
	"github.com/coral-run/coral/errdefs"
	"github.com/coral-run/coral/registry"
)

// ECRRegistry answers tag lookups against an Elastic Container
// Registry account.
type ECRRegistry struct {
	api     ecriface.ECRAPI
	account string
	region  string
}

var _ registry.Registry = (*ECRRegistry)(nil)

func NewECRRegistry(api ecriface.ECRAPI, account, region string) *ECRRegistry {
	return &ECRRegistry{api: api, account: account, region: region}
}

func (r *ECRRegistry) Ref(repo, tag string) string {
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com/%s:%s", r.account, r.region, repo, tag)
}

func (r *ECRRegistry) Exists(ctx context.Context, repo, tag string) (bool, error) {
	_, err := r.Inspect(ctx, repo, tag)
	if err != nil {
		var nf *errdefs.NotFoundError
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *ECRRegistry) Inspect(ctx context.Context, repo, tag string) (*registry.Manifest, error) {
	out, err := r.api.DescribeImagesWithContext(ctx, &ecr.DescribeImagesInput{
		RepositoryName: aws.String(repo),
		ImageIds:       []*ecr.ImageIdentifier{{ImageTag: aws.String(tag)}},
	})
	if err != nil {
		if isCode(err, ecr.ErrCodeImageNotFoundException, ecr.ErrCodeRepositoryNotFoundException) {
			return nil, &errdefs.NotFoundError{Kind: "image", Ref: repo + ":" + tag}
		}
		if mapped := classify("ecr describe "+repo+":"+tag, err); mapped != err {
			return nil, mapped
		}
		return nil, &errdefs.RegistryError{Op: "ecr describe " + repo + ":" + tag, Err: err}
	}
	if len(out.ImageDetails) == 0 {
		return nil, &errdefs.NotFoundError{Kind: "image", Ref: repo + ":" + tag}
	}
	detail := out.ImageDetails[0]
	return &registry.Manifest{
		Digest: aws.StringValue(detail.ImageDigest),
		Size:   aws.Int64Value(detail.ImageSizeInBytes),
	}, nil
}

// EnsureRepository creates the repository if it does not exist yet.
// Used by `coral setup`.
func EnsureRepository(ctx context.Context, api ecriface.ECRAPI, repo string) error {
	_, err := api.CreateRepositoryWithContext(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: aws.String(repo),
	})
	if err == nil || isCode(err, ecr.ErrCodeRepositoryAlreadyExistsException) {
		return nil
	}
	if mapped := classify("ecr create repository", err); mapped != err {
		return mapped
	}
	return &errdefs.RegistryError{Op: "ecr create repository " + repo, Err: err}
}

// loginBuilder decorates an image builder with an ECR docker login
// ahead of the first push. Tokens last twelve hours; one login per
// process suffices.
type loginBuilder struct {
	build.ImageBuilder
	api ecriface.ECRAPI
	bin string

	once sync.Once
	err  error
}

func newLoginBuilder(inner build.ImageBuilder, api ecriface.ECRAPI) *loginBuilder {
	return &loginBuilder{ImageBuilder: inner, api: api, bin: "docker"}
}

func (b *loginBuilder) Push(ctx context.Context, ref string) ([]byte, error) {
	b.once.Do(func() { b.err = b.login(ctx) })
	if b.err != nil {
		return nil, b.err
	}
	return b.ImageBuilder.Push(ctx, ref)
}

func (b *loginBuilder) login(ctx context.Context) error {
	out, err := b.api.GetAuthorizationTokenWithContext(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		if mapped := classify("ecr get authorization token", err); mapped != err {
			return mapped
		}
		return &errdefs.RegistryError{Op: "ecr get authorization token", Err: err}
	}
	if len(out.AuthorizationData) == 0 {
		return &errdefs.RegistryError{Op: "ecr login", Err: errors.New("no authorization data returned")}
	}
	auth := out.AuthorizationData[0]
	raw, err := base64.StdEncoding.DecodeString(aws.StringValue(auth.AuthorizationToken))
	if err != nil {
		return &errdefs.RegistryError{Op: "ecr login", Err: err}
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return &errdefs.RegistryError{Op: "ecr login", Err: errors.New("malformed authorization token")}
	}
	endpoint := aws.StringValue(auth.ProxyEndpoint)
	cmd := exec.CommandContext(ctx, b.bin, "login", "--username", user, "--password-stdin", endpoint)
	cmd.Stdin = strings.NewReader(pass)
	if combined, err := cmd.CombinedOutput(); err != nil {
		return &errdefs.AuthError{Op: "docker login " + endpoint,
			Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(string(combined)))}
	}
	return nil
}
