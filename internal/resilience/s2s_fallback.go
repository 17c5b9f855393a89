package resilience

import (
	"context"

	"github.com/MrWong99/voicetwin/pkg/provider/s2s"
)

// S2SFallback implements [s2s.Provider] with failover across several realtime
// backends. Failover covers the handshake only: once Connect returned a
// session, faults on that session are reported to the caller as usual.
type S2SFallback struct {
	group *FallbackGroup[s2s.Provider]
}

// Compile-time interface assertion.
var _ s2s.Provider = (*S2SFallback)(nil)

// NewS2SFallback creates an [S2SFallback] with primary as the preferred
// backend.
func NewS2SFallback(primaryName string, primary s2s.Provider, cfg FallbackConfig) *S2SFallback {
	return &S2SFallback{group: NewFallbackGroup(primaryName, primary, cfg)}
}

// AddFallback registers an additional backend.
func (f *S2SFallback) AddFallback(name string, p s2s.Provider) {
	f.group.AddFallback(name, p)
}

// Names returns the backends in the order they are tried.
func (f *S2SFallback) Names() []string { return f.group.Names() }

// Breaker returns the circuit breaker guarding the named backend, or nil.
func (f *S2SFallback) Breaker(name string) *CircuitBreaker { return f.group.Breaker(name) }

// Connect dials the first healthy backend that accepts the handshake.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Session, error) {
	sess, name, err := ExecuteWithResult(ctx, f.group, func(ctx context.Context, p s2s.Provider) (s2s.Session, error) {
		return p.Connect(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	if primary, _ := f.group.Primary(); name != primary {
		f.group.log.Info("s2s: connected through fallback", "provider", name)
	}
	return sess, nil
}

// Capabilities returns the primary's capabilities. The rates it reports are
// the ones the controller configures devices for; fallbacks receive audio
// tagged with its rate and resample as needed.
func (f *S2SFallback) Capabilities() s2s.Capabilities {
	_, p := f.group.Primary()
	return p.Capabilities()
}
