// ABOUTME: Availability probing for biometric sources
// ABOUTME: Collapses concurrent probes for one identity into a single platform call

package biometric

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// Probe wraps a Prober so that concurrent availability checks for the same
// identity share one underlying call.
type Probe struct {
	prober Prober
	group  singleflight.Group
}

// NewProbe creates a Probe. A nil prober reports every identity as
// unavailable.
func NewProbe(prober Prober) *Probe {
	return &Probe{prober: prober}
}

// AvailableKinds returns the modalities usable by identity. An empty result
// is reported as ErrSourceUnavailable. The context of the first caller is
// the one passed to the prober.
func (p *Probe) AvailableKinds(ctx context.Context, identity string) ([]AuthKind, error) {
	if p.prober == nil {
		return nil, ErrSourceUnavailable
	}

	v, err, _ := p.group.Do(identity, func() (any, error) {
		return p.prober.AvailableKinds(ctx, identity)
	})
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", identity, err)
	}

	kinds, _ := v.([]AuthKind)
	if len(kinds) == 0 {
		return nil, ErrSourceUnavailable
	}

	// Callers sharing a result must not alias each other's slices.
	out := make([]AuthKind, len(kinds))
	copy(out, kinds)
	return out, nil
}

// Available reports whether identity has at least one usable modality.
func (p *Probe) Available(ctx context.Context, identity string) bool {
	kinds, err := p.AvailableKinds(ctx, identity)
	return err == nil && len(kinds) > 0
}
