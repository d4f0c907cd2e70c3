package stream

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultReconnectDelay is the fixed wait between reconnect attempts.
const DefaultReconnectDelay = 3 * time.Second

// ReconnectPolicy decides how long to wait before each reconnect attempt.
// The zero value retries every DefaultReconnectDelay forever.
type ReconnectPolicy struct {
	Delay       time.Duration
	Exponential bool
	MaxDelay    time.Duration
	// MaxRetries stops reconnecting after this many consecutive failed
	// attempts. 0 means no limit.
	MaxRetries int
}

func (p ReconnectPolicy) backOff() backoff.BackOff {
	delay := p.Delay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}

	var b backoff.BackOff
	if p.Exponential {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = delay
		exp.MaxInterval = p.MaxDelay
		if exp.MaxInterval < delay {
			exp.MaxInterval = 20 * delay
		}
		exp.MaxElapsedTime = 0
		exp.Reset()
		b = exp
	} else {
		b = backoff.NewConstantBackOff(delay)
	}

	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxRetries))
	}
	return b
}
