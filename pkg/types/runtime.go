package types

import "time"

// LockSourceKind identifies where a runtime's dependency set comes from
type LockSourceKind string

const (
	LockSourceRequirements LockSourceKind = "requirements"
	LockSourceContentHash  LockSourceKind = "content_hash"
	LockSourceURI          LockSourceKind = "uri"
	LockSourceInline       LockSourceKind = "inline"
)

// LockSource pins the dependency resolution input for a runtime
type LockSource struct {
	Kind    LockSourceKind `json:"kind"`
	Value   string         `json:"value"`
	Content string         `json:"content,omitempty"`
}

// RuntimeScope controls whether an environment may be shared across tasks
type RuntimeScope string

const (
	RuntimeShared  RuntimeScope = "shared"
	RuntimePrivate RuntimeScope = "private"
)

// RuntimeSpec describes an execution environment. The deterministic fields
// (python version/path, lock source, sorted constraints and extras) feed the
// content-address hash; EnvVars, SecretRefs and Metadata do not, so specs
// differing only in those share one environment on disk.
type RuntimeSpec struct {
	PythonVersion string     `json:"python_version"`
	PythonPath    string     `json:"python_path,omitempty"`
	Lock          LockSource `json:"lock"`
	Constraints   []string   `json:"constraints,omitempty"`
	Extras        []string   `json:"extras,omitempty"`
	Scope         RuntimeScope `json:"scope,omitempty"`

	// Non-deterministic: excluded from the hash
	EnvVars    map[string]string `json:"env_vars,omitempty"`
	SecretRefs []string          `json:"secret_refs,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RuntimeHandle is a prepared environment checked out by one run
type RuntimeHandle struct {
	Hash       string
	Path       string
	PythonBin  string
	PreparedAt time.Time

	release func()
}

// Bind attaches the manager's release callback. Internal to the runtime
// manager.
func (h *RuntimeHandle) Bind(release func()) { h.release = release }

// Release decrements the runtime's usage count. Safe to call once.
func (h *RuntimeHandle) Release() {
	if h.release != nil {
		h.release()
		h.release = nil
	}
}
