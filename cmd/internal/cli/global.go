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

// Package cli carries shared state between the coral CLI's
// subcommands.
package cli

import (
	"context"
	"log"
	"sync"

	"go.uber.org/zap"

	"github.com/coral-run/coral"
)

// GlobalState is built once in main from the global flags and handed
// to every subcommand through the context. The session is lazy so
// commands that only touch the config file never open AWS connections.
type GlobalState struct {
	ProfileName string
	Verbose     bool
	Logger      *zap.Logger

	mu   sync.Mutex
	sess *coral.Session
}

func (g *GlobalState) Session() (*coral.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sess != nil {
		return g.sess, nil
	}
	sess, err := coral.NewSession(coral.SessionOptions{
		Profile: g.ProfileName,
		Logger:  g.Logger,
	})
	if err != nil {
		return nil, err
	}
	g.sess = sess
	return g.sess, nil
}

func (g *GlobalState) MustSession() *coral.Session {
	sess, err := g.Session()
	if err != nil {
		log.Fatalf("coral: %s", err)
	}
	return sess
}

// Close releases the session if one was opened.
func (g *GlobalState) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sess != nil {
		g.sess.Close()
		g.sess = nil
	}
}

type stateKey struct{}

func WithState(ctx context.Context, state *GlobalState) context.Context {
	return context.WithValue(ctx, stateKey{}, state)
}

func MustState(ctx context.Context) *GlobalState {
	state, ok := ctx.Value(stateKey{}).(*GlobalState)
	if !ok {
		panic("cli: no GlobalState in context")
	}
	return state
}
