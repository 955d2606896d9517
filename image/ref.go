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

package image

// Ref points at a pushed image. URI is pullable; Digest is best
// effort (registries that lag on manifest queries may leave it
// empty).
type Ref struct {
	URI    string `json:"uri"`
	Digest string `json:"digest,omitempty"`
}

func (r Ref) Empty() bool { return r.URI == "" }
