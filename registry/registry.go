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

// Package registry answers one question for the build resolver: is
// the image for a given tag already pushed?
package registry

import "context"

type Manifest struct {
	Digest string
	Size   int64
}

type Registry interface {
	Exists(ctx context.Context, repo, tag string) (bool, error)
	Inspect(ctx context.Context, repo, tag string) (*Manifest, error)
	// Ref renders the pullable reference for repo:tag.
	Ref(repo, tag string) string
}
