package function

import (
	"context"
	"strconv"
	"strings"
)

// Definition is a typed function. In and Out must be JSON-serializable.
type Definition[In, Out any] struct {
	// Name identifies the function. Versioned definitions are invoked as
	// Key(Name, Version).
	Name string

	// Handler does the work.
	Handler func(ctx context.Context, in In) (Out, error)

	Opts Options
}

// NewDefinition creates a typed function definition.
func NewDefinition[In, Out any](name string, handler func(ctx context.Context, in In) (Out, error), opts ...Option) *Definition[In, Out] {
	def := &Definition[In, Out]{
		Name:    name,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}

// Key is the invocation name of a function version: the bare name for
// version zero, "<name>@v<version>" otherwise.
func Key(name string, version int) string {
	if version <= 0 {
		return name
	}
	return name + "@v" + strconv.Itoa(version)
}

// SplitKey reverses Key.
func SplitKey(key string) (name string, version int) {
	base, v, ok := strings.Cut(key, "@v")
	if !ok {
		return key, 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return key, 0
	}
	return base, n
}
