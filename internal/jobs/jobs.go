// Package jobs is the boundary between the observable database and module
// handlers.
//
// A handler receives an opaque CBOR payload and an Env, and returns a result
// or an error. Invoke turns errors into structured error bodies. Pool runs
// handlers on workers that exchange only serialized payloads with the
// submitter.
package jobs

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/maruel/odb/internal/errors"
	"github.com/maruel/odb/internal/odb"
)

// Env is what a handler may use besides its payload.
type Env struct {
	// User is the authenticated caller. It is empty for system jobs.
	User string
	DB   *odb.DB
}

// Handler processes one job.
type Handler func(ctx context.Context, payload []byte, env Env) (any, error)

// Response is the outcome of a job: a CBOR encoded Result or an Error.
type Response struct {
	Result cbor.RawMessage `cbor:"result,omitempty"`
	Error  *errors.Body    `cbor:"error,omitempty"`
}

// Decode decodes the result into v.
func (r *Response) Decode(v any) error {
	if r.Error != nil {
		return fmt.Errorf("%s: %s", r.Error.Code, r.Error.Error)
	}
	if len(r.Result) == 0 {
		return nil
	}
	return decMode.Unmarshal(r.Result, v)
}

var decMode, _ = cbor.DecOptions{DefaultMapType: reflect.TypeFor[map[string]any]()}.DecMode()

// Encode returns the CBOR encoding of v.
func Encode(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

// Decode decodes a CBOR payload into v. Maps decode as map[string]any.
func Decode(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return errors.Invalid(fmt.Sprintf("invalid payload: %v", err))
	}
	return nil
}

// Typed adapts a handler taking a decoded payload of type P.
func Typed[P any](fn func(ctx context.Context, p P, env Env) (any, error)) Handler {
	return func(ctx context.Context, payload []byte, env Env) (any, error) {
		var p P
		if len(payload) != 0 {
			if err := Decode(payload, &p); err != nil {
				return nil, err
			}
		}
		return fn(ctx, p, env)
	}
}

// Mux maps job names to handlers.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: map[string]Handler{}}
}

// Handle registers h for name. It panics on a duplicate name.
func (m *Mux) Handle(name string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[name]; ok {
		panic("jobs: duplicate handler " + name)
	}
	m.handlers[name] = h
}

// Names returns the registered job names, sorted.
func (m *Mux) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for n := range m.handlers {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

func (m *Mux) lookup(name string) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[name]
	return h, ok
}

// Invoke runs the handler for name. Errors, including a panic of the handler
// and an unknown name, are returned in Response.Error.
func (m *Mux) Invoke(ctx context.Context, name string, payload []byte, env Env) (resp Response) {
	h, ok := m.lookup(name)
	if !ok {
		return Response{Error: errors.ToBody(errors.NotFound("job " + name))}
	}
	defer func() {
		if r := recover(); r != nil {
			resp = Response{Error: errors.ToBody(errors.New(errors.CodeInternal, fmt.Sprintf("job %s panicked: %v", name, r)))}
		}
	}()
	result, err := h(ctx, payload, env)
	if err != nil {
		return Response{Error: errors.ToBody(err)}
	}
	if result == nil {
		return Response{}
	}
	raw, err := cbor.Marshal(result)
	if err != nil {
		return Response{Error: errors.ToBody(errors.New(errors.CodeInternal, "failed to encode result").Wrap(err))}
	}
	return Response{Result: raw}
}
