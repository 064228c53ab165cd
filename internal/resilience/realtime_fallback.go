package resilience

import (
	"context"

	"github.com/weltlinger/trunkline/pkg/provider/realtime"
)

// RealtimeFallback implements [realtime.Provider] with automatic failover
// across multiple speech backends. Each backend has its own circuit breaker;
// when the primary fails or its breaker is open, the next healthy fallback
// is tried.
type RealtimeFallback struct {
	group *FallbackGroup[realtime.Provider]
}

// Compile-time interface assertion.
var _ realtime.Provider = (*RealtimeFallback)(nil)

// NewRealtimeFallback creates a [RealtimeFallback] with primary as the
// preferred backend.
func NewRealtimeFallback(primary realtime.Provider, primaryName string, cfg FallbackConfig) *RealtimeFallback {
	return &RealtimeFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional speech backend as a fallback.
func (f *RealtimeFallback) AddFallback(name string, provider realtime.Provider) {
	f.group.AddFallback(name, provider)
}

// Connect opens a session on the first healthy backend. Note: only the
// connection attempt is covered by failover; once a session is established,
// mid-session errors are the caller's responsibility (the bridge reconnects
// through Connect again, which re-enters failover).
func (f *RealtimeFallback) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p realtime.Provider) (realtime.SessionHandle, error) {
		return p.Connect(ctx, cfg)
	})
}

// Capabilities returns the capabilities of the first entry (the primary).
// This does not participate in failover because capabilities are static
// metadata, and sessions opened on a fallback backend share the primary's
// declared sample rate by contract.
func (f *RealtimeFallback) Capabilities() realtime.Capabilities {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.Capabilities()
	}
	return realtime.Capabilities{}
}
