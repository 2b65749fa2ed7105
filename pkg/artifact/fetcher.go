package artifact

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/types"
)

var (
	// ErrHashMismatch means the downloaded bytes do not match the expected
	// SHA-256. The cache entry is quarantined.
	ErrHashMismatch = errors.New("artifact hash mismatch")
	// ErrUnsafeArchive means the archive carries a symlink or a member whose
	// path escapes the extraction root.
	ErrUnsafeArchive = errors.New("archive member unsafe")
	// ErrQuarantined means a previous integrity failure blocked this entry.
	ErrQuarantined = errors.New("artifact quarantined")
)

// Fetcher downloads project artifacts, verifies integrity, extracts archives
// safely, and serves repeat requests from the bbolt-indexed cache.
type Fetcher struct {
	index  *Index
	root   string
	client *http.Client
	logger zerolog.Logger
}

// NewFetcher creates a Fetcher storing artifacts under root.
func NewFetcher(index *Index, root string) *Fetcher {
	return &Fetcher{
		index:  index,
		root:   root,
		client: &http.Client{Timeout: 10 * time.Minute},
		logger: log.WithComponent("artifact"),
	}
}

// Fetch returns the directory holding the artifact for the payload,
// downloading and extracting on cache miss. Integrity failures are tagged
// ErrKindIntegrity and quarantine the entry.
func (f *Fetcher) Fetch(ctx context.Context, p *types.TaskPayload) (string, error) {
	entry, err := f.index.Get(p.ProjectID, p.FileHash)
	if err != nil {
		return "", err
	}
	if entry != nil {
		if entry.Quarantined {
			return "", types.WrapKind(types.ErrKindIntegrity, ErrQuarantined)
		}
		if _, statErr := os.Stat(entry.Path); statErr == nil {
			f.index.Touch(p.ProjectID, p.FileHash, time.Now().UTC())
			return entry.Path, nil
		}
		// bytes vanished out from under the index
		f.index.Delete(p.ProjectID, p.FileHash)
	}

	dest := filepath.Join(f.root, p.ProjectID, p.FileHash)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}

	tmp, size, err := f.download(ctx, p.DownloadURL)
	if err != nil {
		os.RemoveAll(dest)
		return "", types.WrapKind(types.ErrKindTransport, err)
	}
	defer os.Remove(tmp)

	if err := verifyHash(tmp, p.FileHash); err != nil {
		os.RemoveAll(dest)
		// remember the bad hash so replays fail fast
		f.index.Put(&Entry{
			ProjectID: p.ProjectID, FileHash: p.FileHash, Path: dest,
			SizeBytes: size, Quarantined: true,
			FetchedAt: time.Now().UTC(), LastUsedAt: time.Now().UTC(),
		})
		return "", types.WrapKind(types.ErrKindIntegrity, err)
	}

	if isArchive(p) {
		if err := extract(tmp, dest, p.DownloadURL); err != nil {
			os.RemoveAll(dest)
			if errors.Is(err, ErrUnsafeArchive) {
				f.index.Put(&Entry{
					ProjectID: p.ProjectID, FileHash: p.FileHash, Path: dest,
					SizeBytes: size, Quarantined: true,
					FetchedAt: time.Now().UTC(), LastUsedAt: time.Now().UTC(),
				})
				return "", types.WrapKind(types.ErrKindIntegrity, err)
			}
			return "", err
		}
	} else {
		name := filepath.Base(strings.SplitN(p.DownloadURL, "?", 2)[0])
		if name == "" || name == "." || name == "/" {
			name = "artifact"
		}
		if err := copyFile(tmp, filepath.Join(dest, name)); err != nil {
			os.RemoveAll(dest)
			return "", err
		}
	}

	now := time.Now().UTC()
	err = f.index.Put(&Entry{
		ProjectID: p.ProjectID, FileHash: p.FileHash, Path: dest,
		SizeBytes: size, FetchedAt: now, LastUsedAt: now,
	})
	if err != nil {
		return "", err
	}
	f.logger.Debug().Str("project_id", p.ProjectID).Str("hash", p.FileHash).
		Int64("bytes", size).Msg("artifact cached")
	return dest, nil
}

func (f *Fetcher) download(ctx context.Context, url string) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to download artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("artifact download returned status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(f.root, "download-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	n, err := io.Copy(tmp, resp.Body)
	cerr := tmp.Close()
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("failed to write download: %w", err)
	}
	if cerr != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("failed to close download: %w", cerr)
	}
	return tmp.Name(), n, nil
}

func verifyHash(path, expected string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open download: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash download: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, expected) {
		return fmt.Errorf("%w: got %s want %s", ErrHashMismatch, got, expected)
	}
	return nil
}

// isArchive honors the payload's explicit flag, inferring from the URL
// filename when unset.
func isArchive(p *types.TaskPayload) bool {
	if p.IsCompressed != nil {
		return *p.IsCompressed
	}
	name := strings.ToLower(strings.SplitN(p.DownloadURL, "?", 2)[0])
	return strings.HasSuffix(name, ".zip") ||
		strings.HasSuffix(name, ".tar.gz") ||
		strings.HasSuffix(name, ".tgz") ||
		strings.HasSuffix(name, ".tar")
}

func extract(src, dest, url string) error {
	name := strings.ToLower(strings.SplitN(url, "?", 2)[0])
	switch {
	case strings.HasSuffix(name, ".zip"):
		return extractZip(src, dest)
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return extractTar(src, dest, true)
	case strings.HasSuffix(name, ".tar"):
		return extractTar(src, dest, false)
	default:
		// flagged compressed without a recognizable suffix: try zip
		return extractZip(src, dest)
	}
}

// memberPath validates an archive member name against traversal and returns
// its absolute destination.
func memberPath(dest, name string) (string, error) {
	if strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: path %q", ErrUnsafeArchive, name)
	}
	target := filepath.Join(dest, filepath.FromSlash(name))
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: path %q escapes root", ErrUnsafeArchive, name)
	}
	return target, nil
}

func extractZip(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	defer r.Close()
	for _, file := range r.File {
		if file.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: symlink %q", ErrUnsafeArchive, file.Name)
		}
		target, err := memberPath(dest, file.Name)
		if err != nil {
			return err
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create dir: %w", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create dir: %w", err)
		}
		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("failed to open zip member: %w", err)
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, file.Mode().Perm())
		if err != nil {
			rc.Close()
			return fmt.Errorf("failed to create file: %w", err)
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		out.Close()
		if err != nil {
			return fmt.Errorf("failed to extract member: %w", err)
		}
	}
	return nil
}

func extractTar(src, dest string, gzipped bool) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open tar: %w", err)
	}
	defer f.Close()
	var r io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar: %w", err)
		}
		switch hdr.Typeflag {
		case tar.TypeSymlink, tar.TypeLink:
			return fmt.Errorf("%w: link %q", ErrUnsafeArchive, hdr.Name)
		case tar.TypeDir:
			target, err := memberPath(dest, hdr.Name)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create dir: %w", err)
			}
		case tar.TypeReg:
			target, err := memberPath(dest, hdr.Name)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create dir: %w", err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return fmt.Errorf("failed to create file: %w", err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("failed to extract member: %w", err)
			}
			out.Close()
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy artifact: %w", err)
	}
	return out.Close()
}
