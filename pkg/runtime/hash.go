package runtime

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/antcode/antcode/pkg/types"
)

// hashSpec is the canonical form fed to the runtime hash: deterministic
// fields only, constraints and extras sorted. Env vars, secret refs,
// metadata and scope are deliberately absent; scope is a placement
// attribute, and specs differing only in those share one environment.
type hashSpec struct {
	PythonVersion string           `json:"python_version"`
	PythonPath    string           `json:"python_path,omitempty"`
	Lock          types.LockSource `json:"lock"`
	Constraints   []string         `json:"constraints,omitempty"`
	Extras        []string         `json:"extras,omitempty"`
}

// Hash computes the content address of a RuntimeSpec.
func Hash(spec *types.RuntimeSpec) (string, error) {
	hs := hashSpec{
		PythonVersion: spec.PythonVersion,
		PythonPath:    spec.PythonPath,
		Lock:          spec.Lock,
		Constraints:   sortedCopy(spec.Constraints),
		Extras:        sortedCopy(spec.Extras),
	}
	// encoding/json emits struct fields in declaration order, making the
	// encoding canonical
	raw, err := json.Marshal(hs)
	if err != nil {
		return "", fmt.Errorf("failed to encode runtime spec: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
