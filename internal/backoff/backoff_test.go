package backoff

import (
	"testing"
	"time"
)

func TestEnvelopeDoublesAndCaps(t *testing.T) {
	p := Default()
	cases := map[int]time.Duration{
		0:  time.Second,
		1:  2 * time.Second,
		3:  8 * time.Second,
		5:  32 * time.Second,
		6:  60 * time.Second,
		20: 60 * time.Second,
	}
	for attempt, want := range cases {
		if got := p.Envelope(attempt); got != want {
			t.Errorf("Envelope(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestDelayWithinJitterBounds(t *testing.T) {
	p := Default()
	for attempt := 0; attempt < 10; attempt++ {
		env := p.Envelope(attempt)
		for i := 0; i < 200; i++ {
			d := p.Delay(attempt)
			lo := time.Duration(float64(p.Base) * float64(int64(1)<<attempt) * 0.8)
			if lo > p.Max {
				lo = p.Max
			}
			if d > p.Max {
				t.Fatalf("Delay(%d) = %v exceeds max", attempt, d)
			}
			if d < lo || float64(d) > float64(env)*1.2+1 {
				t.Fatalf("Delay(%d) = %v outside [%v, %v*1.2]", attempt, d, lo, env)
			}
		}
	}
}

func TestDelayDeterministicSource(t *testing.T) {
	p := Default()
	p.Rand = func() float64 { return 0 }
	if got := p.Delay(2); got < 3199*time.Millisecond || got > 3201*time.Millisecond {
		t.Fatalf("low jitter = %v", got)
	}
	p.Rand = func() float64 { return 0.5 }
	if got := p.Delay(2); got != 4*time.Second {
		t.Fatalf("mid jitter = %v", got)
	}
}

func TestWithBase(t *testing.T) {
	p := Default().WithBase(500 * time.Millisecond)
	if got := p.Envelope(1); got != time.Second {
		t.Fatalf("Envelope(1) = %v", got)
	}
	if got := Default().WithBase(0).Envelope(0); got != time.Second {
		t.Fatalf("zero base override changed policy: %v", got)
	}
}
