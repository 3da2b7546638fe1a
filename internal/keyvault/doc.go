// Package keyvault defines the key vault consumed by the crypto gate and
// ships a software implementation.
//
// A Vault opens a Handle for an operation scope and invalidates it once the
// operation is done. Software derives one key per scope from a master key
// with HKDF-SHA256; its handles implement Sealer with XChaCha20-Poly1305.
// Hardware-backed vaults only need to satisfy Vault.
package keyvault
