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

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// hashSchema versions the canonical serialization. Bumping it (for a
// new agent contract or canonical-form change) retags every image.
const hashSchema = "coral.image/v1"

// TagPrefix marks registry tags written by the build pipeline.
const TagPrefix = "coral-"

type canonicalSpec struct {
	Schema  string            `json:"schema"`
	Base    string            `json:"base"`
	Steps   []InstallStep     `json:"steps"`
	Env     map[string]string `json:"env"`
	Workdir string            `json:"workdir"`
}

// Hash returns the content address of the declaration: a lowercase
// hex blake2b-256 over the canonical JSON form. Step order is
// preserved; env keys are sorted by the encoder, so insertion order
// never leaks into the hash. Nil and empty collections hash the same.
func (s *Spec) Hash() string {
	c := canonicalSpec{
		Schema:  hashSchema,
		Base:    s.BaseImage,
		Steps:   s.Steps,
		Env:     s.Env,
		Workdir: s.Workdir,
	}
	if c.Steps == nil {
		c.Steps = []InstallStep{}
	}
	if c.Env == nil {
		c.Env = map[string]string{}
	}
	data, err := json.Marshal(&c)
	if err != nil {
		// Spec is plain strings and maps; Marshal cannot fail on it.
		panic(fmt.Sprintf("image: canonical marshal: %s", err))
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Tag returns the candidate registry tag for this declaration.
func (s *Spec) Tag() string {
	return TagPrefix + s.Hash()
}
