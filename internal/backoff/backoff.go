// Package backoff computes bounded exponential retry delays.
package backoff

import "time"

const (
	// DefaultMaxRetries is the number of failed replays tolerated before a mutation is given up.
	DefaultMaxRetries = 5
	// DefaultBase is multiplied by 2^retries to get the delay.
	DefaultBase = time.Second
)

// Policy describes a retry budget with exponential delays.
type Policy struct {
	MaxRetries int
	Base       time.Duration
	// Max caps a single delay. Zero means uncapped.
	Max time.Duration
}

// Default returns the replay policy: 5 retries, delays 2s, 4s, 8s, 16s, 32s.
func Default() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, Base: DefaultBase}
}

// Delay returns 2^retries * Base for the given retry counter.
func (p Policy) Delay(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}

	// Past 2^32 the shift would overflow any sane cap.
	if retries > 32 {
		retries = 32
	}
	d := base * time.Duration(int64(1)<<uint(retries))

	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Exhausted reports whether a record with this retry counter has used its budget.
func (p Policy) Exhausted(retries int) bool {
	return retries >= p.MaxRetries
}

// Sequence lists the delays for retries 1..MaxRetries.
func (p Policy) Sequence() []time.Duration {
	seq := make([]time.Duration, 0, p.MaxRetries)
	for r := 1; r <= p.MaxRetries; r++ {
		seq = append(seq, p.Delay(r))
	}
	return seq
}
