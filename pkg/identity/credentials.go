package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antcode/antcode/pkg/types"
)

const signatureAlgorithm = "hmac-sha256"

var (
	// ErrSignatureExpired means the dispatch signature's validity window has
	// passed.
	ErrSignatureExpired = errors.New("task signature expired")
	// ErrSignatureInvalid means the HMAC did not verify.
	ErrSignatureInvalid = errors.New("task signature invalid")
	// ErrNonceReplayed means the nonce was seen before inside its window.
	ErrNonceReplayed = errors.New("task signature nonce replayed")
	// ErrSourceNotAllowed means the registration source address falls outside
	// the install key's CIDR binding.
	ErrSourceNotAllowed = errors.New("source address not allowed by install key")
	// ErrOSMismatch means the registering worker's OS does not match the
	// install key's binding.
	ErrOSMismatch = errors.New("worker os does not match install key")
)

// Credentials is the API key / HMAC secret pair issued to a worker at
// registration.
type Credentials struct {
	WorkerID string `json:"worker_id"`
	APIKey   string `json:"api_key"`
	Secret   string `json:"secret"`
}

// NewCredentials mints a fresh credential pair for workerID.
func NewCredentials(workerID string) (*Credentials, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	return &Credentials{
		WorkerID: workerID,
		APIKey:   "ak-" + uuid.New().String(),
		Secret:   hex.EncodeToString(secret),
	}, nil
}

// NewInstallKey mints a one-time install key bound to an OS and source CIDR.
// Empty bindings mean unrestricted.
func NewInstallKey(os, sourceCIDR string, ttl time.Duration) (*types.InstallKey, error) {
	if sourceCIDR != "" {
		if _, _, err := net.ParseCIDR(sourceCIDR); err != nil {
			return nil, fmt.Errorf("failed to parse source cidr: %w", err)
		}
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate install key: %w", err)
	}
	k := &types.InstallKey{
		Key:        "ik-" + hex.EncodeToString(raw),
		OS:         os,
		SourceCIDR: sourceCIDR,
		CreatedAt:  time.Now().UTC(),
	}
	if ttl > 0 {
		k.ExpiresAt = k.CreatedAt.Add(ttl)
	}
	return k, nil
}

// CheckInstallKeyBindings verifies the registering worker's OS and source
// address against the key's bindings. Consumption and expiry are the store's
// concern.
func CheckInstallKeyBindings(k *types.InstallKey, workerOS, sourceAddr string) error {
	if k.OS != "" && !strings.EqualFold(k.OS, workerOS) {
		return ErrOSMismatch
	}
	if k.SourceCIDR == "" {
		return nil
	}
	host := sourceAddr
	if h, _, err := net.SplitHostPort(sourceAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ErrSourceNotAllowed
	}
	_, cidr, err := net.ParseCIDR(k.SourceCIDR)
	if err != nil || !cidr.Contains(ip) {
		return ErrSourceNotAllowed
	}
	return nil
}

// RegistrationProof is the HMAC a worker presents alongside an install key,
// proving possession without putting the key on the wire twice.
func RegistrationProof(installKey, nonce string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(installKey))
	mac.Write([]byte(nonce + ":" + strconv.FormatInt(ts.Unix(), 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyRegistrationProof checks a registration proof in constant time.
func VerifyRegistrationProof(installKey, nonce string, ts time.Time, proof string) bool {
	want := RegistrationProof(installKey, nonce, ts)
	return hmac.Equal([]byte(want), []byte(proof))
}

func signatureBase(taskID string, issuedAt, expiresAt int64, nonce string) string {
	return taskID + ":" + strconv.FormatInt(issuedAt, 10) + ":" +
		strconv.FormatInt(expiresAt, 10) + ":" + nonce
}

// SignTask produces the dispatch signature the master attaches to a payload.
func SignTask(secret, taskID string, issuedAt, expiresAt time.Time) *types.TaskSignature {
	nonce := uuid.New().String()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureBase(taskID, issuedAt.Unix(), expiresAt.Unix(), nonce)))
	return &types.TaskSignature{
		IssuedAt:  issuedAt.Unix(),
		ExpiresAt: expiresAt.Unix(),
		Nonce:     nonce,
		Signature: hex.EncodeToString(mac.Sum(nil)),
		Algorithm: signatureAlgorithm,
	}
}

// NonceCache records seen nonces for replay detection. Implementations expire
// entries after the signature validity window.
type NonceCache interface {
	// Seen records the nonce and reports whether it was already present.
	Seen(nonce string, expiresAt time.Time) (bool, error)
}

// VerifyTaskSignature validates a dispatch signature: HMAC match, validity
// window, and nonce replay via the cache. A nil cache skips replay detection.
func VerifyTaskSignature(secret, taskID string, sig *types.TaskSignature, now time.Time, nonces NonceCache) error {
	if sig == nil {
		return types.WrapKind(types.ErrKindAuth, ErrSignatureInvalid)
	}
	expiry := time.Unix(sig.ExpiresAt, 0)
	if now.After(expiry) {
		return types.WrapKind(types.ErrKindAuth, ErrSignatureExpired)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureBase(taskID, sig.IssuedAt, sig.ExpiresAt, sig.Nonce)))
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(sig.Signature)) {
		return types.WrapKind(types.ErrKindAuth, ErrSignatureInvalid)
	}
	if nonces != nil {
		seen, err := nonces.Seen(sig.Nonce, expiry)
		if err != nil {
			return fmt.Errorf("failed to check nonce: %w", err)
		}
		if seen {
			return types.WrapKind(types.ErrKindAuth, ErrNonceReplayed)
		}
	}
	return nil
}

// MemoryNonceCache is an in-process NonceCache with lazy expiry.
type MemoryNonceCache struct {
	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewMemoryNonceCache creates an empty cache.
func NewMemoryNonceCache() *MemoryNonceCache {
	return &MemoryNonceCache{nonces: make(map[string]time.Time)}
}

func (c *MemoryNonceCache) Seen(nonce string, expiresAt time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for n, exp := range c.nonces {
		if now.After(exp) {
			delete(c.nonces, n)
		}
	}
	if _, ok := c.nonces[nonce]; ok {
		return true, nil
	}
	c.nonces[nonce] = expiresAt
	return false, nil
}
