// Package poll waits for a device condition with a bounded timeout and
// exponential backoff between queries.
package poll

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrTimeout = errors.New("condition not reached before timeout")

var errPending = errors.New("condition pending")

// Policy bounds a wait.
type Policy struct {
	// Timeout is the longest the wait may take. Zero means DefaultTimeout.
	Timeout time.Duration
	// Initial is the first delay between queries; it doubles up to Max.
	Initial time.Duration
	Max     time.Duration
}

const (
	DefaultTimeout = 30 * time.Second
	defaultInitial = 10 * time.Millisecond
	defaultMax     = 500 * time.Millisecond
)

func (p Policy) withDefaults() Policy {
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.Initial <= 0 {
		p.Initial = defaultInitial
	}
	if p.Max < p.Initial {
		p.Max = defaultMax
		if p.Max < p.Initial {
			p.Max = p.Initial
		}
	}
	return p
}

// Within returns p with its timeout shortened to d when d is the smaller
// budget. A non-positive d leaves p unchanged.
func (p Policy) Within(d time.Duration) Policy {
	p = p.withDefaults()
	if d > 0 && d < p.Timeout {
		p.Timeout = d
	}
	return p
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.MaxElapsedTime = p.Timeout
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Until calls done until it reports true, returns an error, or the policy's
// timeout elapses. The condition is always queried at least once.
func Until(p Policy, done func() (bool, error)) error {
	p = p.withDefaults()
	err := backoff.Retry(func() error {
		ok, err := done()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errPending
		}
		return nil
	}, p.backOff())
	if errors.Is(err, errPending) {
		return fmt.Errorf("%w (%v)", ErrTimeout, p.Timeout)
	}
	return err
}
