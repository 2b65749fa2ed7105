package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntries = []byte("entries")
	bucketNonces  = []byte("nonces")
)

// Entry is one cached artifact, keyed by (project_id, file_hash).
type Entry struct {
	ProjectID   string    `json:"project_id"`
	FileHash    string    `json:"file_hash"`
	Path        string    `json:"path"`
	SizeBytes   int64     `json:"size_bytes"`
	Quarantined bool      `json:"quarantined"`
	FetchedAt   time.Time `json:"fetched_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// Index is the worker-local durable cache index on bbolt. It also hosts the
// dispatch-signature nonce store, sharing the one database file.
type Index struct {
	db      *bolt.DB
	maxSize int64
}

// OpenIndex opens (or creates) the index database. maxSize bounds the summed
// artifact bytes; 0 means unbounded.
func OpenIndex(path string, maxSize int64) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketNonces)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &Index{db: db, maxSize: maxSize}, nil
}

func (i *Index) Close() error { return i.db.Close() }

func entryKey(projectID, fileHash string) []byte {
	return []byte(projectID + "/" + fileHash)
}

// Get returns the entry or nil.
func (i *Index) Get(projectID, fileHash string) (*Entry, error) {
	var e *Entry
	err := i.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get(entryKey(projectID, fileHash))
		if raw == nil {
			return nil
		}
		e = &Entry{}
		return json.Unmarshal(raw, e)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	return e, nil
}

// Put stores the entry and evicts least-recently-used entries past the size
// cap.
func (i *Index) Put(e *Entry) error {
	err := i.db.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketEntries).Put(entryKey(e.ProjectID, e.FileHash), raw)
	})
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return i.evict()
}

// Touch stamps last_used_at.
func (i *Index) Touch(projectID, fileHash string, at time.Time) error {
	err := i.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		key := entryKey(projectID, fileHash)
		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		e.LastUsedAt = at
		out, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
	if err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	return nil
}

// Quarantine marks the entry unusable after an integrity failure. The bytes
// stay on disk for inspection but the entry never serves again.
func (i *Index) Quarantine(projectID, fileHash string) error {
	err := i.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		key := entryKey(projectID, fileHash)
		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		e.Quarantined = true
		out, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
	if err != nil {
		return fmt.Errorf("failed to quarantine cache entry: %w", err)
	}
	return nil
}

// Delete removes the entry and its bytes.
func (i *Index) Delete(projectID, fileHash string) error {
	var path string
	err := i.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		key := entryKey(projectID, fileHash)
		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		path = e.Path
		return b.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	if path != "" {
		os.RemoveAll(path)
	}
	return nil
}

// List returns all entries.
func (i *Index) List() ([]*Entry, error) {
	var out []*Entry
	err := i.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, raw []byte) error {
			var e Entry
			if err := json.Unmarshal(raw, &e); err != nil {
				return err
			}
			out = append(out, &e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	return out, nil
}

// evict drops least-recently-used, non-quarantined entries until the summed
// size fits the cap.
func (i *Index) evict() error {
	if i.maxSize <= 0 {
		return nil
	}
	entries, err := i.List()
	if err != nil {
		return err
	}
	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}
	if total <= i.maxSize {
		return nil
	}
	sort.Slice(entries, func(a, b int) bool {
		return entries[a].LastUsedAt.Before(entries[b].LastUsedAt)
	})
	for _, e := range entries {
		if total <= i.maxSize {
			break
		}
		if e.Quarantined {
			continue
		}
		if err := i.Delete(e.ProjectID, e.FileHash); err != nil {
			return err
		}
		total -= e.SizeBytes
	}
	return nil
}

// SeenNonce records a dispatch nonce, reporting whether it was already
// present. Expired nonces are pruned lazily.
func (i *Index) SeenNonce(nonce string, expiresAt time.Time) (bool, error) {
	seen := false
	err := i.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNonces)
		now := time.Now()
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var exp time.Time
			if err := exp.UnmarshalText(v); err == nil && now.After(exp) {
				c.Delete()
			}
		}
		if b.Get([]byte(nonce)) != nil {
			seen = true
			return nil
		}
		raw, err := expiresAt.MarshalText()
		if err != nil {
			return err
		}
		return b.Put([]byte(nonce), raw)
	})
	if err != nil {
		return false, fmt.Errorf("failed to record nonce: %w", err)
	}
	return seen, nil
}
