package retry

import (
	"testing"
	"time"
)

func TestNextDelayMonotonicCapped(t *testing.T) {
	p := DefaultPolicy()

	var prev time.Duration
	for attempts := 0; attempts <= 10; attempts++ {
		d := p.NextDelay(attempts, 0)
		if d < prev {
			t.Errorf("delay regressed at attempt %d: %s < %s", attempts, d, prev)
		}
		if d > p.Cap {
			t.Errorf("delay exceeds cap at attempt %d: %s", attempts, d)
		}
		prev = d
	}
}

func TestNextDelayFormula(t *testing.T) {
	p := DefaultPolicy()

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{6, 300 * time.Second}, // 5*2^6 = 320 > cap
		{40, 300 * time.Second},
	}
	for _, c := range cases {
		if got := p.NextDelay(c.attempts, 0); got != c.want {
			t.Errorf("NextDelay(%d) = %s, want %s", c.attempts, got, c.want)
		}
	}
}

func TestNextDelayHintWins(t *testing.T) {
	p := DefaultPolicy()
	if got := p.NextDelay(8, 7*time.Second); got != 7*time.Second {
		t.Errorf("hint should override backoff, got %s", got)
	}
}

func TestRemovalPolicyBase(t *testing.T) {
	p := RemovalPolicy()
	if got := p.NextDelay(1, 0); got != 20*time.Second {
		t.Errorf("removal backoff at attempt 1 = %s, want 20s", got)
	}
}

func TestExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 5}
	if p.Exhausted(4) {
		t.Error("attempt 4 of 5 should not be exhausted")
	}
	if !p.Exhausted(5) {
		t.Error("attempt 5 of 5 should be exhausted")
	}
	if !p.Exhausted(6) {
		t.Error("attempt 6 of 5 should be exhausted")
	}
}
