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

// Package coral runs ordinary Go functions on remote compute. An App
// declares functions together with the environment they need; calling
// a handle's Remote ships the invocation to the configured backend and
// blocks for the result as if the call had run locally.
//
// The same binary plays three roles: local driver, manifest emitter
// for the build tooling, and remote function body. Main switches
// between them from the environment, so user code compiles once and
// runs everywhere.
package coral

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/coral-run/coral/image"
	"github.com/coral-run/coral/protocol"
	"github.com/coral-run/coral/spec"
)

// BadCallType tags error results produced when an invocation cannot be
// applied to its handler: wrong arity, undecodable argument, or a
// return value that does not serialize.
const BadCallType = "coral.badcall"

// App is an explicit container of remotely executable functions. There
// is no global registry; a binary serves exactly the functions added
// to the App it passes to Main.
type App struct {
	Name string

	// Run is the local driver, invoked by Main when the binary is
	// executed directly.
	Run func(ctx context.Context, sess *Session) error

	defaultImage *image.Spec

	mu        sync.Mutex
	functions map[string]*FunctionHandle
	names     []string
	sess      *Session
}

type AppOption func(*App)

// WithDefaultImage sets the environment functions inherit when they do
// not declare their own.
func WithDefaultImage(b image.Builder) AppOption {
	return func(a *App) { a.defaultImage = b.Spec() }
}

func NewApp(name string, opts ...AppOption) *App {
	a := &App{
		Name:      name,
		functions: make(map[string]*FunctionHandle),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// FunctionHandle is the caller-facing stub for one registered
// function. The zero value is useless; handles come from App.Function.
type FunctionHandle struct {
	app *App
	fn  *spec.Function
	h   *handler
}

// Spec exposes the function's declaration, mostly for tooling.
func (h *FunctionHandle) Spec() *spec.Function { return h.fn }

type FunctionOption func(*spec.Function)

// WithImage declares the environment the function runs in.
func WithImage(b image.Builder) FunctionOption {
	return func(f *spec.Function) { f.Image = b.Spec() }
}

// WithImageSpec attaches an already-frozen environment declaration.
func WithImageSpec(s *image.Spec) FunctionOption {
	return func(f *spec.Function) { f.Image = s.Clone() }
}

func WithCPU(n int) FunctionOption {
	return func(f *spec.Function) { f.Resources.CPU = n }
}

// WithMemory takes "512Mi"/"2Gi" or a bare MiB count.
func WithMemory(m string) FunctionOption {
	return func(f *spec.Function) { f.Resources.Memory = m }
}

// WithGPU requests devices in "TYPE:COUNT" form, e.g. "A100:2".
func WithGPU(g string) FunctionOption {
	return func(f *spec.Function) { f.Resources.GPU = g }
}

// WithTimeout bounds the invocation wall clock, enforced by the
// dispatcher from the moment the request is handed to compute.
func WithTimeout(d time.Duration) FunctionOption {
	return func(f *spec.Function) { f.Resources.Timeout = d }
}

// WithRetries allows n re-dispatches after infrastructure failures.
// Function-raised errors are never retried.
func WithRetries(n int) FunctionOption {
	return func(f *spec.Function) { f.Resources.Retries = n }
}

// WithoutImageBuild skips the image pipeline: the function runs on the
// bare base image and the agent applies its install steps at cold
// start. Faster first deploy, slower cold starts, no build cache.
func WithoutImageBuild() FunctionOption {
	return func(f *spec.Function) { f.BuildImage = false }
}

// Function registers a handler under name. The handler must be a
// func, optionally taking a leading context.Context, with JSON-codable
// parameters, returning error or (T, error). Registration problems are
// programmer errors and panic.
func (a *App) Function(name string, impl interface{}, opts ...FunctionOption) *FunctionHandle {
	fn := &spec.Function{
		AppName:    a.Name,
		Name:       name,
		Resources:  spec.DefaultResources(),
		BuildImage: true,
	}
	if a.defaultImage != nil {
		fn.Image = a.defaultImage.Clone()
	}
	for _, opt := range opts {
		opt(fn)
	}

	h := &FunctionHandle{
		app: a,
		fn:  fn,
		h:   newHandler(a.Name+"/"+name, impl),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.functions[name]; dup {
		panic(fmt.Sprintf("coral: function %q registered twice on app %q", name, a.Name))
	}
	a.functions[name] = h
	a.names = append(a.names, name)
	return h
}

// Lookup returns the handle registered under name, or nil.
func (a *App) Lookup(name string) *FunctionHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.functions[name]
}

func (a *App) lookupQualified(qualified string) *FunctionHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, h := range a.functions {
		if h.fn.Qualified() == qualified {
			return h
		}
	}
	return nil
}

// Functions lists registered specs in registration order.
func (a *App) Functions() []*spec.Function {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*spec.Function, 0, len(a.names))
	for _, name := range a.names {
		out = append(out, a.functions[name].fn)
	}
	return out
}

// Bind attaches the session handles dispatch through. Without an
// explicit Bind the first Remote builds one from the default profile.
func (a *App) Bind(sess *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sess = sess
}

func (a *App) session() (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		sess, err := NewSession(SessionOptions{})
		if err != nil {
			return nil, err
		}
		a.sess = sess
	}
	return a.sess, nil
}

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// handler is the reflected shape of a registered function.
type handler struct {
	fn       reflect.Value
	args     []reflect.Type
	takesCtx bool
	hasValue bool
}

func newHandler(qualified string, impl interface{}) *handler {
	v := reflect.ValueOf(impl)
	t := v.Type()
	if t.Kind() != reflect.Func {
		panic(fmt.Sprintf("coral: %s: handler must be a func, got %T", qualified, impl))
	}
	if t.IsVariadic() {
		panic(fmt.Sprintf("coral: %s: variadic handlers are not supported", qualified))
	}
	h := &handler{fn: v}
	start := 0
	if t.NumIn() > 0 && t.In(0) == ctxType {
		h.takesCtx = true
		start = 1
	}
	for i := start; i < t.NumIn(); i++ {
		at := t.In(i)
		if !jsonCodable(at) {
			panic(fmt.Sprintf("coral: %s: parameter %d (%s) cannot cross the wire", qualified, i-start, at))
		}
		h.args = append(h.args, at)
	}
	switch t.NumOut() {
	case 1:
		if t.Out(0) != errType {
			panic(fmt.Sprintf("coral: %s: single return value must be error, got %s", qualified, t.Out(0)))
		}
	case 2:
		if t.Out(1) != errType {
			panic(fmt.Sprintf("coral: %s: second return value must be error, got %s", qualified, t.Out(1)))
		}
		h.hasValue = true
	default:
		panic(fmt.Sprintf("coral: %s: handler must return error or (T, error)", qualified))
	}
	return h
}

func jsonCodable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return false
	}
	return true
}

// call applies one request to the handler and always yields a result:
// a raised error or panic becomes a status=error result, never a Go
// error, so the wire keeps application failures apart from agent
// failures.
func (h *handler) call(ctx context.Context, req *protocol.InvocationRequest) (res *protocol.InvocationResult) {
	defer func() {
		if r := recover(); r != nil {
			res = protocol.ErrorResult(req.RequestID, "panic", fmt.Sprint(r))
			res.Logs = protocol.NewInlineBlob(debug.Stack())
		}
	}()

	if len(req.Args) != len(h.args) {
		return protocol.ErrorResult(req.RequestID, BadCallType,
			fmt.Sprintf("%s takes %d arguments, got %d", req.Function, len(h.args), len(req.Args)))
	}
	in := make([]reflect.Value, 0, len(h.args)+1)
	if h.takesCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, at := range h.args {
		p := reflect.New(at)
		if err := json.Unmarshal(req.Args[i], p.Interface()); err != nil {
			return protocol.ErrorResult(req.RequestID, BadCallType,
				fmt.Sprintf("argument %d: %s", i, err))
		}
		in = append(in, p.Elem())
	}

	out := h.fn.Call(in)
	if errv := out[len(out)-1]; !errv.IsNil() {
		err := errv.Interface().(error)
		return protocol.ErrorResult(req.RequestID, fmt.Sprintf("%T", err), err.Error())
	}
	if !h.hasValue {
		return protocol.OKResult(req.RequestID, protocol.Value("null"))
	}
	value, err := json.Marshal(out[0].Interface())
	if err != nil {
		return protocol.ErrorResult(req.RequestID, BadCallType,
			fmt.Sprintf("encoding return value: %s", err))
	}
	return protocol.OKResult(req.RequestID, value)
}

// sortedNames is a stable view for diagnostics.
func (a *App) sortedNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := append([]string(nil), a.names...)
	sort.Strings(out)
	return out
}
