package version

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/xraph/orchestra/graph"
)

// Contract validation codes.
const (
	CodeFunctionVersionModified     = "FUNCTION_VERSION_MODIFIED"
	CodeContractChangedRequiresBump = "CONTRACT_CHANGED_REQUIRES_BUMP"
	CodeVersionRegressionOrConflict = "VERSION_REGRESSION_OR_CONFLICT"
	CodeVersionGapNotAllowed        = "VERSION_GAP_NOT_ALLOWED"
	CodeManifestIntegrityError      = "MANIFEST_INTEGRITY_ERROR"
)

// Contract is the input/output contract of a function as found in code.
// Version zero means the function carries no explicit version suffix and
// stands for the latest recorded version.
type Contract struct {
	Name    string `json:"name"`
	Version int    `json:"version,omitempty"`
	Hash    string `json:"hash"`
}

// ContractHash returns the murmur3 hash of a function's canonical input
// and output schemas. Key order and whitespace do not affect it.
func ContractHash(input, output json.RawMessage) (string, error) {
	in, err := canonical(input)
	if err != nil {
		return "", fmt.Errorf("version: input schema: %w", err)
	}
	out, err := canonical(output)
	if err != nil {
		return "", fmt.Errorf("version: output schema: %w", err)
	}
	return graph.HashBytes(bytes.Join([][]byte{in, out}, []byte{'\n'})), nil
}

func canonical(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// History is the recorded contract history of one function.
type History struct {
	Latest   int            `json:"latest"`
	Versions map[int]string `json:"versions"`
}

// Manifest is the committed record of every function contract version.
// Functions removed from code stay in the manifest.
type Manifest struct {
	Functions map[string]*History `json:"functions"`
}

// NewManifest returns an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{Functions: make(map[string]*History)}
}

// LoadManifest reads a JSON manifest. A missing file yields an empty one.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewManifest(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("version: read manifest: %w", err)
	}
	m := NewManifest()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("version: decode manifest %s: %w", path, err)
	}
	if m.Functions == nil {
		m.Functions = make(map[string]*History)
	}
	return m, nil
}

// SaveManifest writes m as indented JSON.
func SaveManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("version: encode manifest: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil { //nolint:gosec // manifest is committed source
		return fmt.Errorf("version: write manifest: %w", err)
	}
	return nil
}

// Issue is one contract validation failure.
type Issue struct {
	Code     string `json:"code"`
	Function string `json:"function"`
	Version  int    `json:"version,omitempty"`
	Message  string `json:"message"`
}

func (i Issue) String() string {
	if i.Version > 0 {
		return fmt.Sprintf("%s: %s@v%d: %s", i.Code, i.Function, i.Version, i.Message)
	}
	return fmt.Sprintf("%s: %s: %s", i.Code, i.Function, i.Message)
}

// ValidationError carries every issue found by Check.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		parts[i] = is.String()
	}
	return "version: contract validation failed: " + strings.Join(parts, "; ")
}

// Has reports whether an issue with code was found.
func (e *ValidationError) Has(code string) bool {
	for _, is := range e.Issues {
		if is.Code == code {
			return true
		}
	}
	return false
}

// Validate compares the contracts found in code against the manifest and
// returns every issue, ordered by function and version.
func Validate(m *Manifest, contracts []Contract) []Issue {
	byName := make(map[string][]Contract)
	for _, c := range contracts {
		byName[c.Name] = append(byName[c.Name], c)
	}

	var issues []Issue
	for _, name := range sortedNames(byName) {
		issues = append(issues, validateFunction(name, m.Functions[name], byName[name])...)
	}
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Function != issues[j].Function {
			return issues[i].Function < issues[j].Function
		}
		return issues[i].Version < issues[j].Version
	})
	return issues
}

// Check is Validate returning a *ValidationError when issues exist.
func Check(m *Manifest, contracts []Contract) error {
	if issues := Validate(m, contracts); len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// Apply validates contracts and returns a copy of m recording every new
// version. An unversioned function seen for the first time becomes v1.
func Apply(m *Manifest, contracts []Contract) (*Manifest, error) {
	if err := Check(m, contracts); err != nil {
		return nil, err
	}
	out := NewManifest()
	for name, h := range m.Functions {
		cp := &History{Latest: h.Latest, Versions: make(map[int]string, len(h.Versions))}
		for v, hash := range h.Versions {
			cp.Versions[v] = hash
		}
		out.Functions[name] = cp
	}
	for _, c := range contracts {
		h, ok := out.Functions[c.Name]
		if !ok {
			h = &History{Versions: make(map[int]string)}
			out.Functions[c.Name] = h
		}
		v := c.Version
		if v == 0 {
			if h.Latest > 0 {
				continue
			}
			v = 1
		}
		h.Versions[v] = c.Hash
		if v > h.Latest {
			h.Latest = v
		}
	}
	return out, nil
}

func validateFunction(name string, h *History, contracts []Contract) []Issue {
	var issues []Issue
	add := func(code string, version int, format string, args ...any) {
		issues = append(issues, Issue{Code: code, Function: name, Version: version, Message: fmt.Sprintf(format, args...)})
	}

	if h == nil || (h.Latest == 0 && len(h.Versions) == 0) {
		// New function: explicit versions must start at 1 and be contiguous.
		versions := make([]int, 0, len(contracts))
		for _, c := range contracts {
			if c.Version > 0 {
				versions = append(versions, c.Version)
			}
		}
		sort.Ints(versions)
		for i, v := range versions {
			if v != i+1 {
				add(CodeVersionGapNotAllowed, v, "new function must start at v1 and increment by one")
				break
			}
		}
		return issues
	}

	if maxKey := maxVersion(h.Versions); maxKey != h.Latest {
		add(CodeManifestIntegrityError, 0, "latest is %d but highest recorded version is %d", h.Latest, maxKey)
		return issues
	}

	bumped := false
	for _, c := range contracts {
		if c.Version == h.Latest+1 {
			bumped = true
		}
	}

	for _, c := range contracts {
		switch {
		case c.Version == 0:
			if c.Hash != h.Versions[h.Latest] {
				add(CodeContractChangedRequiresBump, h.Latest, "contract changed; declare v%d", h.Latest+1)
			}
		case c.Version > h.Latest+1:
			add(CodeVersionGapNotAllowed, c.Version, "latest recorded version is %d", h.Latest)
		case c.Version == h.Latest+1:
			// New version.
		default:
			recorded, ok := h.Versions[c.Version]
			switch {
			case !ok:
				add(CodeVersionRegressionOrConflict, c.Version, "version is not above latest %d and was never recorded", h.Latest)
			case recorded == c.Hash:
			case c.Version == h.Latest && !bumped:
				add(CodeContractChangedRequiresBump, c.Version, "contract changed; declare v%d", h.Latest+1)
			default:
				add(CodeFunctionVersionModified, c.Version, "recorded versions are immutable")
			}
		}
	}
	return issues
}

func maxVersion(versions map[int]string) int {
	m := 0
	for v := range versions {
		if v > m {
			m = v
		}
	}
	return m
}

func sortedNames(m map[string][]Contract) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
