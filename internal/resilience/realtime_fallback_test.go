package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/weltlinger/trunkline/pkg/provider/realtime"
	rtmock "github.com/weltlinger/trunkline/pkg/provider/realtime/mock"
)

func TestRealtimeFallback_Connect_PrimarySuccess(t *testing.T) {
	primarySession := rtmock.NewSession()
	primary := &rtmock.Provider{Session: primarySession}
	secondary := &rtmock.Provider{Session: rtmock.NewSession()}

	fb := NewRealtimeFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	handle, err := fb.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle != realtime.SessionHandle(primarySession) {
		t.Fatal("handle is not the primary's session")
	}
	if got := len(primary.Calls()); got != 1 {
		t.Fatalf("primary called %d times, want 1", got)
	}
	if got := len(secondary.Calls()); got != 0 {
		t.Fatalf("secondary called %d times, want 0", got)
	}
}

func TestRealtimeFallback_Connect_Failover(t *testing.T) {
	secondarySession := rtmock.NewSession()
	primary := &rtmock.Provider{
		ConnectErr: &realtime.TransportError{Op: "dial", Err: errors.New("primary down"), Transient: true},
	}
	secondary := &rtmock.Provider{Session: secondarySession}

	fb := NewRealtimeFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	handle, err := fb.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle != realtime.SessionHandle(secondarySession) {
		t.Fatal("handle is not the secondary's session")
	}
}

func TestRealtimeFallback_Connect_AllFail(t *testing.T) {
	primary := &rtmock.Provider{ConnectErr: errors.New("primary down")}
	secondary := &rtmock.Provider{ConnectErr: errors.New("secondary down")}

	fb := NewRealtimeFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Connect(context.Background(), realtime.SessionConfig{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestRealtimeFallback_Connect_SkipsOpenBreaker(t *testing.T) {
	primary := &rtmock.Provider{ConnectErr: errors.New("primary down")}
	secondary := &rtmock.Provider{Session: rtmock.NewSession()}

	fb := NewRealtimeFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fb.AddFallback("secondary", secondary)

	// First call opens the primary's breaker and fails over.
	if _, err := fb.Connect(context.Background(), realtime.SessionConfig{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Second call should skip the primary entirely.
	if _, err := fb.Connect(context.Background(), realtime.SessionConfig{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(primary.Calls()); got != 1 {
		t.Fatalf("primary called %d times, want 1 (breaker open after first failure)", got)
	}
	if got := len(secondary.Calls()); got != 2 {
		t.Fatalf("secondary called %d times, want 2", got)
	}
}

func TestRealtimeFallback_Capabilities(t *testing.T) {
	primary := &rtmock.Provider{
		Caps: realtime.Capabilities{SampleRate: 24000, Voices: []string{"alloy"}},
	}

	fb := NewRealtimeFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	caps := fb.Capabilities()
	if caps.SampleRate != 24000 {
		t.Fatalf("SampleRate = %d, want 24000", caps.SampleRate)
	}
}
