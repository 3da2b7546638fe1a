// Package dedupe remembers spent keys for a bounded time so that one-shot
// tokens (crypto leases) cannot be replayed, and reports why a key was spent.
package dedupe
