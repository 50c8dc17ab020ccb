package provider

import (
	"testing"
	"time"
)

func testBreaker() (*Breaker, *time.Time) {
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         time.Minute,
		HalfOpenMaxCalls: 2,
	})
	now := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	b.lastStateChange = now
	return b, &now
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := testBreaker()

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatal("breaker opened below threshold")
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("breaker should open at the failure threshold")
	}
	if b.Allow() {
		t.Error("open breaker must refuse calls before cooldown")
	}
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	b, _ := testBreaker()

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != StateClosed {
		t.Error("non-consecutive failures should not open the breaker")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, now := testBreaker()

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	*now = now.Add(61 * time.Second)
	if !b.Allow() {
		t.Fatal("elapsed cooldown should admit a probe")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open", b.State())
	}

	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Error("one success should not close the breaker yet")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Error("enough consecutive successes should close the breaker")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := testBreaker()

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	*now = now.Add(61 * time.Second)
	b.Allow()

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Error("any half-open failure should reopen the breaker")
	}
	if b.Allow() {
		t.Error("reopened breaker must refuse calls until the next cooldown")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMaxCalls: 1})

	var lastProvider string
	var lastState State
	r.OnStateChange = func(provider string, state State) {
		lastProvider = provider
		lastState = state
	}

	if !r.Allow("primary") {
		t.Fatal("new provider should start closed")
	}

	r.RecordFailure("primary")
	if !r.IsOpen("primary") {
		t.Error("primary should be open after hitting threshold")
	}
	if lastProvider != "primary" || lastState != StateOpen {
		t.Errorf("state change callback saw (%s, %s), want (primary, open)", lastProvider, lastState)
	}

	if r.IsOpen("secondary") {
		t.Error("breakers must be independent per provider")
	}

	snaps := r.Snapshots()
	if snaps["primary"].State != "open" {
		t.Errorf("snapshot state = %s, want open", snaps["primary"].State)
	}
}
