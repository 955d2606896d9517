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

// Package s3store backs the artifact store with an S3 bucket.
package s3store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/coral-run/coral/store"
)

type Store struct {
	s3     s3iface.S3API
	bucket string
	prefix string
}

var _ store.Store = (*Store)(nil)

// New builds a store over an existing client; tests inject a fake
// s3iface here.
func New(client s3iface.S3API, bucket, prefix string) *Store {
	return &Store{s3: client, bucket: bucket, prefix: prefix}
}

// FromSession parses an s3://BUCKET/PREFIX address.
func FromSession(s *session.Session, address string) (*Store, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parsing store address %q: %w", address, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return nil, fmt.Errorf("object store %q: want s3://BUCKET/PREFIX", address)
	}
	return New(s3.New(s), u.Host, u.Path), nil
}

func (s *Store) key(key string) *string {
	return aws.String(path.Join(s.prefix, key))
}

// Put skips the upload when the key already exists. Artifact keys are
// content-derived or request-unique, so an existing object is the
// same bytes.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    s.key(key),
	})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("head %s: %w", s.URL(key), err)
	}
	_, err = s.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Body:   bytes.NewReader(data),
		Bucket: &s.bucket,
		Key:    s.key(key),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", s.URL(key), err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    s.key(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, store.ErrNotExists
		}
		return nil, fmt.Errorf("get %s: %w", s.URL(key), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", s.URL(key), err)
	}
	return body, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    s.key(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("head %s: %w", s.URL(key), err)
}

func (s *Store) URL(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, path.Join(s.prefix, key))
}

func isNotFound(err error) bool {
	if reqerr, ok := err.(awserr.RequestFailure); ok {
		return reqerr.StatusCode() == 404
	}
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}
