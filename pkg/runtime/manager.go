package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/types"
)

var (
	// ErrBuildTimeout means the per-hash lock was not acquired in time.
	ErrBuildTimeout = errors.New("timed out waiting for runtime build lock")
)

// lockStaleAfter is the on-disk lock staleness threshold; a lock file older
// than this belongs to a crashed builder and may be taken over.
const lockStaleAfter = time.Hour

// manifestName marks a completed build inside a venv directory.
const manifestName = ".antcode-manifest.json"

type manifest struct {
	Hash       string    `json:"hash"`
	PythonBin  string    `json:"python_bin"`
	BuiltAt    time.Time `json:"built_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Config tunes the runtime manager.
type Config struct {
	Root         string
	BuildTimeout time.Duration
	GCInterval   time.Duration
	TTL          time.Duration
	MaxRetained  int
	// Installer overrides the dependency install command for tests; it
	// receives (pythonBin, venvDir, spec).
	Installer func(ctx context.Context, pythonBin, dir string, spec *types.RuntimeSpec) error
}

// Manager prepares and garbage-collects content-addressed Python virtual
// environments. Concurrent prepares of one hash serialize on a per-hash
// lock; across processes an on-disk lock file with staleness takeover
// provides the same guarantee.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	usage  map[string]int
	stopCh chan struct{}
}

// NewManager creates a Manager rooted at cfg.Root.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Root == "" {
		return nil, errors.New("runtime root required")
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 10 * time.Minute
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = time.Hour
	}
	if err := os.MkdirAll(filepath.Join(cfg.Root, "venvs"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create runtime root: %w", err)
	}
	return &Manager{
		cfg:    cfg,
		logger: log.WithComponent("runtime"),
		locks:  make(map[string]*sync.Mutex),
		usage:  make(map[string]int),
		stopCh: make(chan struct{}),
	}, nil
}

func (m *Manager) venvDir(hash string) string {
	return filepath.Join(m.cfg.Root, "venvs", hash)
}

func (m *Manager) lockFor(hash string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[hash]
	if !ok {
		l = &sync.Mutex{}
		m.locks[hash] = l
	}
	return l
}

// Prepare returns a handle on the environment for spec, building it if
// needed. At most one caller builds a given hash; the rest wait and observe
// the completed build.
func (m *Manager) Prepare(ctx context.Context, spec *types.RuntimeSpec) (*types.RuntimeHandle, error) {
	hash, err := Hash(spec)
	if err != nil {
		return nil, err
	}

	lock := m.lockFor(hash)
	acquired := make(chan struct{})
	go func() {
		lock.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-ctx.Done():
		go func() { <-acquired; lock.Unlock() }()
		return nil, ctx.Err()
	case <-time.After(m.cfg.BuildTimeout):
		go func() { <-acquired; lock.Unlock() }()
		return nil, ErrBuildTimeout
	}
	defer lock.Unlock()

	release, err := m.acquireFileLock(hash)
	if err != nil {
		return nil, err
	}
	defer release()

	dir := m.venvDir(hash)
	if man, ok := m.completedManifest(dir); ok {
		m.touch(dir, man)
		return m.handle(hash, dir, man.PythonBin), nil
	}

	// partial state from a crashed build goes first
	if _, err := os.Stat(dir); err == nil {
		os.RemoveAll(dir)
	}

	pythonBin, err := m.build(ctx, dir, spec)
	if err != nil {
		os.RemoveAll(dir)
		metrics.RuntimeBuilds.WithLabelValues("failure").Inc()
		return nil, types.WrapKind(types.ErrKindBuild, err)
	}
	metrics.RuntimeBuilds.WithLabelValues("success").Inc()

	now := time.Now().UTC()
	man := &manifest{Hash: hash, PythonBin: pythonBin, BuiltAt: now, LastUsedAt: now}
	if err := writeManifest(dir, man); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return m.handle(hash, dir, pythonBin), nil
}

func (m *Manager) handle(hash, dir, pythonBin string) *types.RuntimeHandle {
	m.mu.Lock()
	m.usage[hash]++
	m.mu.Unlock()

	h := &types.RuntimeHandle{
		Hash:       hash,
		Path:       dir,
		PythonBin:  pythonBin,
		PreparedAt: time.Now().UTC(),
	}
	h.Bind(func() {
		m.mu.Lock()
		if m.usage[hash] > 0 {
			m.usage[hash]--
		}
		m.mu.Unlock()
	})
	return h
}

// UsageCount reports live handles on a hash.
func (m *Manager) UsageCount(hash string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[hash]
}

func (m *Manager) completedManifest(dir string) (*manifest, bool) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, false
	}
	var man manifest
	if err := json.Unmarshal(raw, &man); err != nil {
		return nil, false
	}
	if _, err := os.Stat(man.PythonBin); err != nil {
		return nil, false
	}
	return &man, true
}

func (m *Manager) touch(dir string, man *manifest) {
	man.LastUsedAt = time.Now().UTC()
	writeManifest(dir, man)
}

func writeManifest(dir string, man *manifest) error {
	raw, err := json.Marshal(man)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// acquireFileLock takes the cross-process build lock for hash, stealing
// locks older than the staleness threshold.
func (m *Manager) acquireFileLock(hash string) (func(), error) {
	path := m.venvDir(hash) + ".lock"
	deadline := time.Now().Add(m.cfg.BuildTimeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.WriteString(strconv.Itoa(os.Getpid()))
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}
		info, statErr := os.Stat(path)
		if statErr == nil && time.Since(info.ModTime()) >= lockStaleAfter {
			// the holder crashed long ago; take the lock over
			os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, ErrBuildTimeout
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// build creates the venv and installs dependencies from the lock source.
func (m *Manager) build(ctx context.Context, dir string, spec *types.RuntimeSpec) (string, error) {
	python := spec.PythonPath
	if python == "" {
		python = "python3"
	}
	cmd := exec.CommandContext(ctx, python, "-m", "venv", dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("failed to create venv: %w: %s", err, out)
	}
	pythonBin := venvPython(dir)

	installer := m.cfg.Installer
	if installer == nil {
		installer = installWithPip
	}
	if err := installer(ctx, pythonBin, dir, spec); err != nil {
		return "", err
	}
	return pythonBin, nil
}

func venvPython(dir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(dir, "Scripts", "python.exe")
	}
	return filepath.Join(dir, "bin", "python")
}

// installWithPip resolves dependencies from the spec's lock source.
func installWithPip(ctx context.Context, pythonBin, dir string, spec *types.RuntimeSpec) error {
	args := []string{"-m", "pip", "install", "--no-input"}
	switch spec.Lock.Kind {
	case types.LockSourceRequirements, types.LockSourceURI:
		args = append(args, "-r", spec.Lock.Value)
	case types.LockSourceInline, types.LockSourceContentHash:
		reqs := filepath.Join(dir, "requirements.lock")
		if err := os.WriteFile(reqs, []byte(spec.Lock.Content), 0o644); err != nil {
			return fmt.Errorf("failed to write inline requirements: %w", err)
		}
		args = append(args, "-r", reqs)
	default:
		return fmt.Errorf("unknown lock source kind %q", spec.Lock.Kind)
	}
	for _, c := range sortedCopy(spec.Constraints) {
		args = append(args, "-c", c)
	}
	for _, e := range sortedCopy(spec.Extras) {
		args = append(args, e)
	}
	cmd := exec.CommandContext(ctx, pythonBin, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to install dependencies: %w: %s", err, out)
	}
	return nil
}

// RunGC reclaims unused environments until ctx is done.
func (m *Manager) RunGC(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.CollectGarbage(); err != nil {
				m.logger.Warn().Err(err).Msg("runtime gc failed")
			}
		}
	}
}

// Stop ends the GC loop.
func (m *Manager) Stop() { close(m.stopCh) }

// CollectGarbage removes environments whose last use exceeds the TTL and
// whose usage count is zero, and enforces the max-retained bound oldest
// first.
func (m *Manager) CollectGarbage() error {
	root := filepath.Join(m.cfg.Root, "venvs")
	dirs, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("failed to list venvs: %w", err)
	}

	type candidate struct {
		hash     string
		dir      string
		lastUsed time.Time
	}
	var kept []candidate
	cutoff := time.Now().Add(-m.cfg.TTL)
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		hash := d.Name()
		dir := filepath.Join(root, hash)
		man, ok := m.completedManifest(dir)
		if !ok {
			// partial build with no live builder lock is garbage
			if _, err := os.Stat(dir + ".lock"); os.IsNotExist(err) {
				os.RemoveAll(dir)
			}
			continue
		}
		if m.UsageCount(hash) > 0 {
			continue
		}
		if man.LastUsedAt.Before(cutoff) {
			m.logger.Info().Str("hash", hash).Msg("reclaiming expired runtime")
			os.RemoveAll(dir)
			continue
		}
		kept = append(kept, candidate{hash: hash, dir: dir, lastUsed: man.LastUsedAt})
	}

	if m.cfg.MaxRetained > 0 && len(kept) > m.cfg.MaxRetained {
		sort.Slice(kept, func(i, j int) bool { return kept[i].lastUsed.Before(kept[j].lastUsed) })
		for _, c := range kept[:len(kept)-m.cfg.MaxRetained] {
			m.logger.Info().Str("hash", c.hash).Msg("reclaiming runtime over retention cap")
			os.RemoveAll(c.dir)
		}
	}
	return nil
}
