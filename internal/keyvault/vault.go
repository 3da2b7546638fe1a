// ABOUTME: Key vault contract consumed by the crypto gate
// ABOUTME: A vault opens scoped key handles and invalidates them after use

package keyvault

import (
	"context"
	"errors"
	"fmt"
)

// ErrVault is the root of all vault failures. The crypto gate passes vault
// errors to callers unchanged.
var ErrVault = errors.New("key vault error")

// Vault errors.
var (
	ErrHandleInvalidated = fmt.Errorf("%w: handle invalidated", ErrVault)
	ErrEmptyScope        = fmt.Errorf("%w: empty scope", ErrVault)
	ErrCiphertext        = fmt.Errorf("%w: malformed ciphertext", ErrVault)
)

// Handle is an opened key bound to one operation scope.
type Handle interface {
	HandleID() string
	Scope() string
}

// Vault opens and invalidates key handles.
type Vault interface {
	OpenHandle(ctx context.Context, scope string) (Handle, error)
	Invalidate(h Handle)
}

// Sealer is implemented by handles that can encrypt and decrypt directly.
type Sealer interface {
	Seal(plaintext, additionalData []byte) ([]byte, error)
	Open(ciphertext, additionalData []byte) ([]byte, error)
}
