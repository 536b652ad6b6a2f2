package function_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/function"
)

type addInput struct {
	A int `json:"a"`
	B int `json:"b"`
}

type addOutput struct {
	Sum int `json:"sum"`
}

func add(_ context.Context, in addInput) (addOutput, error) {
	return addOutput{Sum: in.A + in.B}, nil
}

func TestRegistry_Invoke(t *testing.T) {
	r := function.NewRegistry()
	if err := function.Register(r, function.NewDefinition("add", add)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := r.Invoke(context.Background(), "add", json.RawMessage(`{"a":2,"b":3}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got addOutput
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Sum != 5 {
		t.Fatalf("expected sum 5, got %d", got.Sum)
	}
}

func TestRegistry_NotFound(t *testing.T) {
	_, err := function.NewRegistry().Invoke(context.Background(), "missing", nil)
	if !errors.Is(err, orchestra.ErrFunctionNotFound) {
		t.Fatalf("expected ErrFunctionNotFound, got %v", err)
	}
}

func TestRegistry_Duplicate(t *testing.T) {
	r := function.NewRegistry()
	if err := function.Register(r, function.NewDefinition("add", add)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := function.Register(r, function.NewDefinition("add", add))
	if !errors.Is(err, orchestra.ErrDuplicateFunction) {
		t.Fatalf("expected ErrDuplicateFunction, got %v", err)
	}
	if err := function.Register(r, function.NewDefinition("add", add, function.WithVersion(2))); err != nil {
		t.Fatalf("versioned registration should not conflict: %v", err)
	}
	if _, err := r.Invoke(context.Background(), "add@v2", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRegistry_SchemaValidation(t *testing.T) {
	r := function.NewRegistry()
	def := function.NewDefinition("add", add, function.WithInputSchema(`{
		"type": "object",
		"required": ["a", "b"],
		"properties": {"a": {"type": "integer"}, "b": {"type": "integer"}}
	}`))
	if err := function.Register(r, def); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := r.Invoke(context.Background(), "add", json.RawMessage(`{"a":"x"}`))
	if err == nil {
		t.Fatal("expected schema violation")
	}
	if !errors.Is(err, function.ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}

	if _, err := r.Invoke(context.Background(), "add", json.RawMessage(`{"a":1,"b":1}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRegistry_InvalidSchema(t *testing.T) {
	r := function.NewRegistry()
	err := function.Register(r, function.NewDefinition("add", add, function.WithInputSchema(`{"type": 12}`)))
	if err == nil {
		t.Fatal("expected invalid schema to be rejected")
	}
}

func TestRegistry_Timeout(t *testing.T) {
	r := function.NewRegistry()
	slow := function.NewDefinition("slow", func(ctx context.Context, _ struct{}) (struct{}, error) {
		<-ctx.Done()
		return struct{}{}, ctx.Err()
	}, function.WithTimeout(10*time.Millisecond))
	if err := function.Register(r, slow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := r.Invoke(context.Background(), "slow", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRegistry_Contracts(t *testing.T) {
	r := function.NewRegistry()
	_ = function.Register(r, function.NewDefinition("b", add, function.WithInputSchema(`{"type":"object"}`)))
	_ = function.Register(r, function.NewDefinition("a", add, function.WithVersion(2)))
	_ = function.Register(r, function.NewDefinition("a", add, function.WithVersion(1)))

	contracts, err := r.Contracts()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contracts) != 3 {
		t.Fatalf("expected 3 contracts, got %d", len(contracts))
	}
	if contracts[0].Name != "a" || contracts[0].Version != 1 || contracts[1].Version != 2 || contracts[2].Name != "b" {
		t.Fatalf("unexpected contract order: %+v", contracts)
	}
	if contracts[0].Hash != contracts[1].Hash {
		t.Fatal("identical schemas should hash identically")
	}
	if contracts[0].Hash == contracts[2].Hash {
		t.Fatal("different schemas should hash differently")
	}
}

func TestKey(t *testing.T) {
	tests := []struct {
		name    string
		version int
		key     string
	}{
		{"charge", 0, "charge"},
		{"charge", 3, "charge@v3"},
	}
	for _, tt := range tests {
		if got := function.Key(tt.name, tt.version); got != tt.key {
			t.Errorf("Key(%q, %d) = %q, want %q", tt.name, tt.version, got, tt.key)
		}
		name, v := function.SplitKey(tt.key)
		if name != tt.name || v != tt.version {
			t.Errorf("SplitKey(%q) = (%q, %d)", tt.key, name, v)
		}
	}
}
