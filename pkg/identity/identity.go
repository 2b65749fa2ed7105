package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/antcode/antcode/pkg/log"
)

// ErrWorkerIDChanged is returned when a reloaded identity file carries a
// different worker_id. The ID is the worker's stable name across restarts;
// changing it on a live process would orphan its runs.
var ErrWorkerIDChanged = errors.New("identity reload changed worker_id")

// Identity is the persistent self-description of a worker node.
type Identity struct {
	WorkerID  string            `yaml:"worker_id"`
	Name      string            `yaml:"name,omitempty"`
	Zone      string            `yaml:"zone,omitempty"`
	Hostname  string            `yaml:"hostname,omitempty"`
	IP        string            `yaml:"ip,omitempty"`
	Version   string            `yaml:"version,omitempty"`
	Labels    map[string]string `yaml:"labels,omitempty"`
	CreatedAt time.Time         `yaml:"created_at"`
}

// Manager loads the identity file and serves the current identity, re-reading
// mutable fields on SIGHUP.
type Manager struct {
	path string

	mu  sync.RWMutex
	cur *Identity
}

// Load reads the identity file at path, creating a fresh identity with a
// generated worker ID when the file does not exist.
func Load(path string) (*Manager, error) {
	m := &Manager{path: path}
	id, err := readFile(path)
	if errors.Is(err, os.ErrNotExist) {
		id = &Identity{
			WorkerID:  "w-" + uuid.New().String(),
			CreatedAt: time.Now().UTC(),
		}
		if host, herr := os.Hostname(); herr == nil {
			id.Hostname = host
		}
		if err := writeFile(path, id); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	if id.WorkerID == "" {
		return nil, fmt.Errorf("identity file %s carries no worker_id", path)
	}
	m.cur = id
	return m, nil
}

func readFile(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var id Identity
	if err := yaml.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("failed to parse identity file: %w", err)
	}
	return &id, nil
}

func writeFile(path string, id *Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create identity dir: %w", err)
	}
	data, err := yaml.Marshal(id)
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}

// Current returns the active identity.
func (m *Manager) Current() Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.cur
}

// WorkerID returns the stable worker ID.
func (m *Manager) WorkerID() string {
	return m.Current().WorkerID
}

// Reload re-reads the identity file. Everything except worker_id may change;
// a changed worker_id rejects the whole reload.
func (m *Manager) Reload() error {
	id, err := readFile(m.path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id.WorkerID != m.cur.WorkerID {
		return ErrWorkerIDChanged
	}
	m.cur = id
	return nil
}

// Watch reloads the identity on SIGHUP until ctx is done.
func (m *Manager) Watch(ctx context.Context) {
	logger := log.WithComponent("identity")
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if err := m.Reload(); err != nil {
				logger.Warn().Err(err).Msg("identity reload rejected")
				continue
			}
			logger.Info().Str("worker_id", m.WorkerID()).Msg("identity reloaded")
		}
	}
}
