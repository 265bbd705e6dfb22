package fetch

import (
	"testing"
	"time"
)

func TestInitialJitterBounds(t *testing.T) {
	t.Parallel()

	for _, interval := range []time.Duration{time.Second, time.Minute, time.Hour} {
		for i := 0; i < 100; i++ {
			d := initialJitter(interval)
			if d < 500*time.Millisecond {
				t.Fatalf("jitter %v below floor for interval %v", d, interval)
			}
			if d > 30*time.Second+500*time.Millisecond {
				t.Fatalf("jitter %v above cap for interval %v", d, interval)
			}
			if interval >= 10*time.Second && d > interval/10+500*time.Millisecond {
				t.Fatalf("jitter %v exceeds a tenth of interval %v", d, interval)
			}
		}
	}
}
