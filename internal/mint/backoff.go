package mint

import (
	"math"
	"time"
)

type backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

func defaultBackoff() backoff {
	return backoff{
		Base:       100 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2.0,
	}
}

// delay returns the wait before retry number attempt (0-based).
func (b backoff) delay(attempt int) time.Duration {
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(attempt))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}
