package function

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/version"
)

// ErrPermanent marks failures that must not be retried. Handlers wrap it
// with Permanent.
var ErrPermanent = orchestra.ErrPermanent

// Permanent wraps err so the engine fails the step without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Invoker calls a function by name with a JSON input.
type Invoker interface {
	Invoke(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, name, input)
}

// HandlerFunc is a type-erased function. The typed Definition is
// converted to a HandlerFunc at registration by closing over JSON
// decoding of the input and encoding of the output.
type HandlerFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

type entry struct {
	name    string
	handler HandlerFunc
	opts    Options
	schema  *gojsonschema.Schema
}

// Registry maps invocation keys to handlers. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

var _ Invoker = (*Registry)(nil)

// NewRegistry creates an empty function registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a typed definition.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Register[In, Out any](r *Registry, def *Definition[In, Out]) error {
	handler := func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in In
		if len(input) > 0 && string(input) != "null" {
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, Permanent(fmt.Errorf("decode input of %q: %w", def.Name, err))
			}
		}
		out, err := def.Handler(ctx, in)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encode output of %q: %w", def.Name, err)
		}
		return data, nil
	}
	return r.RegisterHandler(def.Name, handler, def.Opts)
}

// RegisterHandler adds an untyped handler.
func (r *Registry) RegisterHandler(name string, handler HandlerFunc, opts Options) error {
	e := &entry{name: name, handler: handler, opts: opts}
	if len(opts.InputSchema) > 0 {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(opts.InputSchema))
		if err != nil {
			return fmt.Errorf("function: invalid input schema for %q: %w", name, err)
		}
		e.schema = schema
	}

	key := Key(name, opts.Version)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		return fmt.Errorf("%w: %s", orchestra.ErrDuplicateFunction, key)
	}
	r.entries[key] = e
	return nil
}

// Invoke validates input and calls the function registered under name.
func (r *Registry) Invoke(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", orchestra.ErrFunctionNotFound, name)
	}

	if e.schema != nil {
		if err := validate(e.schema, name, input); err != nil {
			return nil, err
		}
	}
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}
	return e.handler(ctx, input)
}

func validate(schema *gojsonschema.Schema, name string, input json.RawMessage) error {
	if len(input) == 0 {
		input = json.RawMessage("null")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(input))
	if err != nil {
		return Permanent(fmt.Errorf("validate input of %q: %w", name, err))
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, len(result.Errors()))
	for i, desc := range result.Errors() {
		msgs[i] = desc.String()
	}
	return Permanent(fmt.Errorf("input of %q does not match schema: %s", name, strings.Join(msgs, "; ")))
}

// Options returns the options of the function registered under name.
func (r *Registry) Options(name string) (Options, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Options{}, false
	}
	return e.opts, true
}

// Names returns every invocation key, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for key := range r.entries {
		names = append(names, key)
	}
	sort.Strings(names)
	return names
}

// Contracts returns the contract of every registered function, ordered
// by name and version.
func (r *Registry) Contracts() ([]version.Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]version.Contract, 0, len(r.entries))
	for _, e := range r.entries {
		hash, err := version.ContractHash(e.opts.InputSchema, e.opts.OutputSchema)
		if err != nil {
			return nil, fmt.Errorf("function: contract of %q: %w", e.name, err)
		}
		out = append(out, version.Contract{Name: e.name, Version: e.opts.Version, Hash: hash})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}
