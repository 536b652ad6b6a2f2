package version_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/xraph/orchestra/version"
)

func manifest() *version.Manifest {
	m := version.NewManifest()
	m.Functions["charge"] = &version.History{Latest: 1, Versions: map[int]string{1: "h1"}}
	m.Functions["refund"] = &version.History{Latest: 2, Versions: map[int]string{1: "r1", 2: "r2"}}
	return m
}

func codes(issues []version.Issue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Code
	}
	return out
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		contracts []version.Contract
		want      []string
	}{
		{
			name:      "unchanged",
			contracts: []version.Contract{{Name: "charge", Hash: "h1"}, {Name: "refund", Version: 1, Hash: "r1"}},
		},
		{
			name:      "next version",
			contracts: []version.Contract{{Name: "charge", Version: 1, Hash: "h1"}, {Name: "charge", Version: 2, Hash: "h2"}},
		},
		{
			name:      "gap",
			contracts: []version.Contract{{Name: "charge", Version: 3, Hash: "h3"}},
			want:      []string{version.CodeVersionGapNotAllowed},
		},
		{
			name:      "latest changed without bump",
			contracts: []version.Contract{{Name: "charge", Hash: "h1-changed"}},
			want:      []string{version.CodeContractChangedRequiresBump},
		},
		{
			name:      "explicit latest changed without bump",
			contracts: []version.Contract{{Name: "charge", Version: 1, Hash: "h1-changed"}},
			want:      []string{version.CodeContractChangedRequiresBump},
		},
		{
			name:      "old version modified",
			contracts: []version.Contract{{Name: "refund", Version: 1, Hash: "r1-changed"}, {Name: "refund", Version: 2, Hash: "r2"}},
			want:      []string{version.CodeFunctionVersionModified},
		},
		{
			name:      "deleted function is fine",
			contracts: []version.Contract{{Name: "charge", Hash: "h1"}},
		},
		{
			name:      "new function starts at one",
			contracts: []version.Contract{{Name: "ship", Version: 2, Hash: "s2"}},
			want:      []string{version.CodeVersionGapNotAllowed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := codes(version.Validate(manifest(), tt.contracts))
			if len(got) != len(tt.want) {
				t.Fatalf("issues = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("issue %d = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestValidate_RegressionAndIntegrity(t *testing.T) {
	m := version.NewManifest()
	m.Functions["sparse"] = &version.History{Latest: 3, Versions: map[int]string{1: "a", 3: "c"}}
	m.Functions["broken"] = &version.History{Latest: 1, Versions: map[int]string{1: "a", 2: "b"}}

	issues := version.Validate(m, []version.Contract{
		{Name: "sparse", Version: 2, Hash: "b"},
		{Name: "broken", Version: 2, Hash: "b"},
	})
	got := codes(issues)
	want := []string{version.CodeManifestIntegrityError, version.CodeVersionRegressionOrConflict}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("issues = %v, want %v", got, want)
	}
}

func TestValidate_EmptyHistoryIsNewFunction(t *testing.T) {
	m := version.NewManifest()
	m.Functions["ship"] = &version.History{}
	m.Functions["pack"] = &version.History{Versions: map[int]string{}}

	contracts := []version.Contract{
		{Name: "ship", Hash: "s1"},
		{Name: "pack", Version: 1, Hash: "p1"},
	}
	if issues := version.Validate(m, contracts); len(issues) != 0 {
		t.Fatalf("issues = %v, want none", codes(issues))
	}
	if got := codes(version.Validate(m, []version.Contract{{Name: "ship", Version: 2, Hash: "s2"}})); len(got) != 1 || got[0] != version.CodeVersionGapNotAllowed {
		t.Fatalf("issues = %v, want [%s]", got, version.CodeVersionGapNotAllowed)
	}

	updated, err := version.Apply(m, contracts)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if h := updated.Functions["ship"]; h.Latest != 1 || h.Versions[1] != "s1" {
		t.Errorf("ship history = %+v", h)
	}
}

func TestCheckAndApply(t *testing.T) {
	err := version.Check(manifest(), []version.Contract{{Name: "charge", Version: 3, Hash: "h3"}})
	var verr *version.ValidationError
	if !errors.As(err, &verr) || !verr.Has(version.CodeVersionGapNotAllowed) {
		t.Fatalf("expected ValidationError with gap, got %v", err)
	}

	m := manifest()
	updated, err := version.Apply(m, []version.Contract{
		{Name: "charge", Version: 2, Hash: "h2"},
		{Name: "ship", Hash: "s1"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if h := updated.Functions["charge"]; h.Latest != 2 || h.Versions[2] != "h2" {
		t.Errorf("charge history = %+v", h)
	}
	if h := updated.Functions["ship"]; h.Latest != 1 || h.Versions[1] != "s1" {
		t.Errorf("ship history = %+v", h)
	}
	if m.Functions["charge"].Latest != 1 {
		t.Error("Apply mutated its input")
	}

	path := filepath.Join(t.TempDir(), "contracts.json")
	if err := version.SaveManifest(path, updated); err != nil {
		t.Fatal(err)
	}
	loaded, err := version.LoadManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Functions["charge"].Versions[2] != "h2" {
		t.Errorf("loaded = %+v", loaded.Functions["charge"])
	}

	empty, err := version.LoadManifest(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil || len(empty.Functions) != 0 {
		t.Errorf("missing manifest = %v, %v", empty, err)
	}
}

func TestContractHash(t *testing.T) {
	a, err := version.ContractHash([]byte(`{"type":"object","required":["id"]}`), nil)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := version.ContractHash([]byte(`{ "required": ["id"], "type": "object" }`), []byte(`  `))
	if a != b {
		t.Error("key order or whitespace changed the hash")
	}
	c, _ := version.ContractHash([]byte(`{"type":"object"}`), nil)
	if a == c {
		t.Error("different schemas share a hash")
	}
	if _, err := version.ContractHash([]byte(`{`), nil); err == nil {
		t.Error("expected error for invalid schema")
	}
}
