// ABOUTME: Software key vault deriving per-scope keys from a master key
// ABOUTME: Uses HKDF-SHA256 for derivation and XChaCha20-Poly1305 for sealing

package keyvault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MinMasterKeyLen is the shortest accepted master key.
const MinMasterKeyLen = 32

const derivationPrefix = "coven-biogate/scope/"

// Software is a Vault backed by an in-process master key. Handles hold a key
// derived for their scope; invalidating a handle wipes that key.
type Software struct {
	master []byte
	logger *slog.Logger

	mu   sync.Mutex
	open map[string]*KeyHandle
}

// NewSoftware creates a vault from masterKey. The key is copied.
func NewSoftware(masterKey []byte, logger *slog.Logger) (*Software, error) {
	if len(masterKey) < MinMasterKeyLen {
		return nil, fmt.Errorf("%w: master key must be at least %d bytes", ErrVault, MinMasterKeyLen)
	}
	if logger == nil {
		logger = slog.Default()
	}
	master := make([]byte, len(masterKey))
	copy(master, masterKey)
	return &Software{
		master: master,
		logger: logger.With("component", "keyvault"),
		open:   make(map[string]*KeyHandle),
	}, nil
}

// OpenHandle derives the key for scope and returns a handle to it.
func (v *Software) OpenHandle(ctx context.Context, scope string) (Handle, error) {
	if scope == "" {
		return nil, ErrEmptyScope
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, v.master, nil, []byte(derivationPrefix+scope))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("%w: deriving key: %v", ErrVault, err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: creating cipher: %v", ErrVault, err)
	}

	h := &KeyHandle{
		id:    uuid.New().String(),
		scope: scope,
		key:   key,
		aead:  aead,
	}

	v.mu.Lock()
	v.open[h.id] = h
	v.mu.Unlock()

	v.logger.Debug("opened key handle", "handle", h.id, "scope", scope)
	return h, nil
}

// Invalidate wipes the handle's key. Unknown or foreign handles are ignored.
func (v *Software) Invalidate(h Handle) {
	if h == nil {
		return
	}

	v.mu.Lock()
	kh, ok := v.open[h.HandleID()]
	delete(v.open, h.HandleID())
	v.mu.Unlock()

	if !ok {
		return
	}
	kh.wipe()
	v.logger.Debug("invalidated key handle", "handle", kh.id, "scope", kh.scope)
}

// OpenHandles returns the number of handles not yet invalidated.
func (v *Software) OpenHandles() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.open)
}

// KeyHandle is a Software vault handle. It implements Sealer until it is
// invalidated.
type KeyHandle struct {
	id    string
	scope string

	mu   sync.Mutex
	key  []byte
	aead cipher.AEAD
}

// HandleID returns the handle's identifier.
func (h *KeyHandle) HandleID() string { return h.id }

// Scope returns the operation scope the key was derived for.
func (h *KeyHandle) Scope() string { return h.scope }

// Seal encrypts plaintext. The random nonce is prepended to the output.
func (h *KeyHandle) Seal(plaintext, additionalData []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.aead == nil {
		return nil, ErrHandleInvalidated
	}

	nonce := make([]byte, h.aead.NonceSize(), h.aead.NonceSize()+len(plaintext)+h.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: generating nonce: %v", ErrVault, err)
	}
	return h.aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Open decrypts a value produced by Seal under the same scope.
func (h *KeyHandle) Open(ciphertext, additionalData []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.aead == nil {
		return nil, ErrHandleInvalidated
	}

	ns := h.aead.NonceSize()
	if len(ciphertext) < ns+h.aead.Overhead() {
		return nil, ErrCiphertext
	}
	plaintext, err := h.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], additionalData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	return plaintext, nil
}

func (h *KeyHandle) wipe() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.key {
		h.key[i] = 0
	}
	h.key = nil
	h.aead = nil
}

var (
	_ Vault  = (*Software)(nil)
	_ Sealer = (*KeyHandle)(nil)
)
