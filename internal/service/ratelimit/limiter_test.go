package ratelimit

import (
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestAllowPerMinuteBudget(t *testing.T) {
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewWithClock(clk.now)

	allowed := 0
	for i := 0; i < 11; i++ {
		if l.Allow("global", 10, 10.0/60) {
			allowed++
		}
		clk.t = clk.t.Add(time.Second)
	}
	if allowed != 10 {
		t.Fatalf("expected 10 allowed within a minute, got %d", allowed)
	}

	clk.t = clk.t.Add(time.Minute)
	if !l.Allow("global", 10, 10.0/60) {
		t.Fatalf("expected bucket to refill after a minute")
	}
}

func TestAllowAllIsAtomic(t *testing.T) {
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewWithClock(clk.now)
	caps := []float64{10, 1}
	rates := []float64{0, 0}

	if !l.AllowAll([]string{"global", "sym:AAPL"}, caps, rates) {
		t.Fatalf("first call should pass")
	}
	if l.AllowAll([]string{"global", "sym:AAPL"}, caps, rates) {
		t.Fatalf("second call should hit the symbol bucket")
	}
	if got := l.Tokens("global"); got != 9 {
		t.Fatalf("global bucket must not be charged for a rejected call, got %v", got)
	}
	if got := l.Tokens("unknown"); got != -1 {
		t.Fatalf("expected -1 for unseen key, got %v", got)
	}
	l.Forget("sym:AAPL")
	if !l.AllowAll([]string{"global", "sym:AAPL"}, caps, rates) {
		t.Fatalf("forgotten key should start full")
	}
}
