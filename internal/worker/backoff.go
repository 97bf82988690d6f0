// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"math/rand/v2"
	"time"

	"github.com/adiadia/exception-runtime/internal/domain"
)

// Backoff computes min(Base*2^attempt, Max) plus up to Jitter of noise.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:   time.Second,
		Max:    5 * time.Minute,
		Jitter: 250 * time.Millisecond,
	}
}

// Delay returns the wait before retry number attempt (zero-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := b.Max
	if attempt < 62 {
		if exp := b.Base << uint(attempt); exp > 0 && (b.Max <= 0 || exp < b.Max) {
			d = exp
		}
	}
	if d < 0 {
		d = 0
	}

	if b.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(b.Jitter)))
	}
	return d
}

// BackoffPolicy selects a Backoff by event type.
type BackoffPolicy struct {
	Default   Backoff
	EventType map[domain.EventType]Backoff
}

func (p BackoffPolicy) For(eventType domain.EventType) Backoff {
	if b, ok := p.EventType[eventType]; ok {
		return b
	}
	return p.Default
}
