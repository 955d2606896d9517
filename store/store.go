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

// Package store is the artifact transport between the local proxy and
// remote compute: code bundles up, results and logs back. Keys are
// chosen by the caller; stores must tolerate concurrent writers
// racing on the same key with identical content.
package store

import (
	"context"
	"errors"
)

var ErrNotExists = errors.New("requested object does not exist")

type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	// URL renders a diagnostic locator for logs and error messages.
	URL(key string) string
}
