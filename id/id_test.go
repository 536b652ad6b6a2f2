package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/xraph/orchestra/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
		prefix  string
	}{
		{"RunID", id.NewRunID, id.ParseRunID, "run_"},
		{"StepID", id.NewStepID, id.ParseStepID, "step_"},
		{"VersionID", id.NewVersionID, id.ParseVersionID, "wfver_"},
		{"TaskID", id.NewTaskID, id.ParseTaskID, "task_"},
		{"WorkerID", id.NewWorkerID, id.ParseWorkerID, "wkr_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			if !strings.HasPrefix(original.String(), tt.prefix) {
				t.Fatalf("expected prefix %q, got %q", tt.prefix, original.String())
			}
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	if _, err := id.ParseRunID(id.NewStepID().String()); err == nil {
		t.Error("ParseRunID accepted a step ID")
	}
	if _, err := id.ParseTaskID(id.NewRunID().String()); err == nil {
		t.Error("ParseTaskID accepted a run ID")
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("expected error for empty string")
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" || i.Prefix() != "" {
		t.Errorf("expected empty string and prefix, got %q %q", i.String(), i.Prefix())
	}
}

func TestJSONRoundTrip(t *testing.T) {
	type record struct {
		ID    id.ID `json:"id"`
		Owner id.ID `json:"owner"`
	}
	in := record{ID: id.NewRunID()}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out record
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ID.String() != in.ID.String() {
		t.Errorf("mismatch: %q != %q", out.ID, in.ID)
	}
	if !out.Owner.IsNil() {
		t.Error("expected nil owner after round-trip")
	}
}

func TestValueScan(t *testing.T) {
	original := id.NewVersionID()
	val, err := original.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}

	var scanned id.ID
	if err := scanned.Scan(val); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if scanned.String() != original.String() {
		t.Errorf("mismatch: %q != %q", scanned.String(), original.String())
	}

	var nilID id.ID
	if val, _ := nilID.Value(); val != nil {
		t.Errorf("expected nil value for nil ID, got %v", val)
	}
	if err := scanned.Scan(nil); err != nil || !scanned.IsNil() {
		t.Fatalf("Scan(nil) = %v, nil=%v", err, scanned.IsNil())
	}
}

func TestUniqueness(t *testing.T) {
	if id.NewStepID().String() == id.NewStepID().String() {
		t.Error("two consecutive NewStepID() calls returned the same ID")
	}
}
