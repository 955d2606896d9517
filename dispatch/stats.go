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

package dispatch

import "sync/atomic"

// Stats counts dispatcher activity. Execute updates fields with
// atomics; read them through Snapshot.
type Stats struct {
	InFlight    uint64
	MaxInFlight uint64

	Invocations    uint64
	FunctionErrors uint64
	OtherErrors    uint64
	Timeouts       uint64
}

// Snapshot loads each counter atomically. The fields are not loaded as
// one consistent set; totals can be momentarily ahead of outcomes.
func (s *Stats) Snapshot() Stats {
	return Stats{
		InFlight:       atomic.LoadUint64(&s.InFlight),
		MaxInFlight:    atomic.LoadUint64(&s.MaxInFlight),
		Invocations:    atomic.LoadUint64(&s.Invocations),
		FunctionErrors: atomic.LoadUint64(&s.FunctionErrors),
		OtherErrors:    atomic.LoadUint64(&s.OtherErrors),
		Timeouts:       atomic.LoadUint64(&s.Timeouts),
	}
}
