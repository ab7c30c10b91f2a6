package browser

import (
	"context"
	"time"
)

const defaultPollInterval = 250 * time.Millisecond

// Waiter probes a condition until it holds or a fixed time bound expires.
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a waiter bounded by timeout.
func NewWaiter(timeout time.Duration) *Waiter {
	return &Waiter{timeout: timeout, interval: defaultPollInterval}
}

// WithInterval returns a copy of the waiter polling every d.
func (w *Waiter) WithInterval(d time.Duration) *Waiter {
	cp := *w
	cp.interval = d
	return &cp
}

// Timeout returns the waiter's time bound.
func (w *Waiter) Timeout() time.Duration {
	return w.timeout
}

// Until calls probe until it returns true, returns an error, or the bound
// expires. Expiry is reported as (false, nil); context cancellation as its error.
func (w *Waiter) Until(ctx context.Context, probe func() (bool, error)) (bool, error) {
	deadline := time.Now().Add(w.timeout)
	for {
		ok, err := probe()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		if err := sleep(ctx, min(w.interval, remaining)); err != nil {
			return false, err
		}
	}
}
