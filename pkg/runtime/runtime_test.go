package runtime

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antcode/antcode/pkg/types"
)

func baseSpec() *types.RuntimeSpec {
	return &types.RuntimeSpec{
		PythonVersion: "3.11",
		Lock: types.LockSource{
			Kind:    types.LockSourceInline,
			Content: "requests==2.31.0\n",
		},
		Constraints: []string{"b==2", "a==1"},
		Scope:       types.RuntimeShared,
	}
}

func TestHashDeterministic(t *testing.T) {
	a, err := Hash(baseSpec())
	require.NoError(t, err)
	b, err := Hash(baseSpec())
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestHashIgnoresConstraintOrder(t *testing.T) {
	s1 := baseSpec()
	s2 := baseSpec()
	s2.Constraints = []string{"a==1", "b==2"}

	h1, err := Hash(s1)
	require.NoError(t, err)
	h2, err := Hash(s2)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashIgnoresEnvAndSecrets(t *testing.T) {
	s1 := baseSpec()
	s2 := baseSpec()
	s2.EnvVars = map[string]string{"API_KEY": "x"}
	s2.SecretRefs = []string{"vault:token"}
	s2.Metadata = map[string]string{"owner": "team-a"}
	s2.Scope = types.RuntimePrivate

	h1, err := Hash(s1)
	require.NoError(t, err)
	h2, err := Hash(s2)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashChangesWithLockContent(t *testing.T) {
	s1 := baseSpec()
	s2 := baseSpec()
	s2.Lock.Content = "requests==2.32.0\n"

	h1, err := Hash(s1)
	require.NoError(t, err)
	h2, err := Hash(s2)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

// fakeVenv plants a completed environment on disk without running python.
func fakeVenv(t *testing.T, root, hash string, lastUsed time.Time) string {
	t.Helper()
	dir := filepath.Join(root, "venvs", hash)
	bin := filepath.Join(dir, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	pythonBin := filepath.Join(bin, "python")
	require.NoError(t, os.WriteFile(pythonBin, []byte("#!/bin/true\n"), 0o755))

	raw, err := json.Marshal(&manifest{
		Hash: hash, PythonBin: pythonBin,
		BuiltAt: lastUsed, LastUsedAt: lastUsed,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestName), raw, 0o644))
	return dir
}

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	return m
}

func TestPrepareReusesCompletedBuild(t *testing.T) {
	spec := baseSpec()
	hash, err := Hash(spec)
	require.NoError(t, err)

	root := t.TempDir()
	fakeVenv(t, root, hash, time.Now().UTC())

	var built atomic.Int32
	m := newManager(t, Config{
		Root: root,
		Installer: func(ctx context.Context, pythonBin, dir string, spec *types.RuntimeSpec) error {
			built.Add(1)
			return nil
		},
	})

	h, err := m.Prepare(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, hash, h.Hash)
	assert.Equal(t, int32(0), built.Load(), "completed build must not rebuild")
	assert.Equal(t, 1, m.UsageCount(hash))

	h.Release()
	assert.Equal(t, 0, m.UsageCount(hash))
	h.Release() // second release is a no-op
	assert.Equal(t, 0, m.UsageCount(hash))
}

func TestPrepareConcurrentReuse(t *testing.T) {
	spec := baseSpec()
	hash, err := Hash(spec)
	require.NoError(t, err)

	root := t.TempDir()

	var built atomic.Int32
	m := newManager(t, Config{
		Root: root,
		Installer: func(ctx context.Context, pythonBin, dir string, spec *types.RuntimeSpec) error {
			built.Add(1)
			return nil
		},
	})

	// a completed venv on disk: every contender must reuse it, none builds
	fakeVenv(t, root, hash, time.Now().UTC())

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := m.Prepare(context.Background(), spec)
			errs[i] = err
			if err == nil {
				h.Release()
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(0), built.Load())
	assert.Equal(t, 0, m.UsageCount(hash))
}

func TestCollectGarbageExpiresByTTL(t *testing.T) {
	root := t.TempDir()
	m := newManager(t, Config{Root: root, TTL: time.Hour})

	old := fakeVenv(t, root, "aaaa", time.Now().Add(-2*time.Hour))
	fresh := fakeVenv(t, root, "bbbb", time.Now())

	require.NoError(t, m.CollectGarbage())

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err), "expired venv must be removed")
	_, err = os.Stat(fresh)
	assert.NoError(t, err, "fresh venv must survive")
}

func TestCollectGarbageSkipsInUse(t *testing.T) {
	root := t.TempDir()
	m := newManager(t, Config{Root: root, TTL: time.Hour})

	dir := fakeVenv(t, root, "cccc", time.Now().Add(-2*time.Hour))
	m.mu.Lock()
	m.usage["cccc"] = 1
	m.mu.Unlock()

	require.NoError(t, m.CollectGarbage())
	_, err := os.Stat(dir)
	assert.NoError(t, err, "in-use venv must survive the TTL")
}

func TestCollectGarbageRetentionCap(t *testing.T) {
	root := t.TempDir()
	m := newManager(t, Config{Root: root, TTL: 24 * time.Hour, MaxRetained: 1})

	oldest := fakeVenv(t, root, "dddd", time.Now().Add(-time.Hour))
	newest := fakeVenv(t, root, "eeee", time.Now())

	require.NoError(t, m.CollectGarbage())

	_, err := os.Stat(oldest)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(newest)
	assert.NoError(t, err)
}

func TestCollectGarbageRemovesPartialBuilds(t *testing.T) {
	root := t.TempDir()
	m := newManager(t, Config{Root: root})

	// a venv directory with no manifest is a crashed build
	partial := filepath.Join(root, "venvs", "ffff")
	require.NoError(t, os.MkdirAll(partial, 0o755))

	require.NoError(t, m.CollectGarbage())
	_, err := os.Stat(partial)
	assert.True(t, os.IsNotExist(err))
}

func TestCollectGarbageLeavesLockedPartialBuilds(t *testing.T) {
	root := t.TempDir()
	m := newManager(t, Config{Root: root})

	partial := filepath.Join(root, "venvs", "0000")
	require.NoError(t, os.MkdirAll(partial, 0o755))
	require.NoError(t, os.WriteFile(partial+".lock", []byte("1"), 0o644))

	require.NoError(t, m.CollectGarbage())
	_, err := os.Stat(partial)
	assert.NoError(t, err, "a locked partial build belongs to a live builder")
}

func TestFileLockStaleTakeover(t *testing.T) {
	root := t.TempDir()
	m := newManager(t, Config{Root: root, BuildTimeout: time.Second})

	lockPath := m.venvDir("1111") + ".lock"
	require.NoError(t, os.WriteFile(lockPath, []byte("dead"), 0o644))
	stale := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(lockPath, stale, stale))

	release, err := m.acquireFileLock("1111")
	require.NoError(t, err)
	release()

	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestFileLockHeldTimesOut(t *testing.T) {
	root := t.TempDir()
	m := newManager(t, Config{Root: root, BuildTimeout: 300 * time.Millisecond})

	lockPath := m.venvDir("2222") + ".lock"
	require.NoError(t, os.WriteFile(lockPath, []byte("alive"), 0o644))

	_, err := m.acquireFileLock("2222")
	assert.ErrorIs(t, err, ErrBuildTimeout)
}
