// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package amqpconn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/apex/log"
	"gopkg.in/tomb.v2"
)

// Token refresh intervals
var (
	// RefreshBuffer is how long before expiry the token is refreshed
	RefreshBuffer = 2 * time.Minute
	// RefreshRetryInterval is the delay before retrying a failed refresh.
	// A failed refresh is not fatal, only an eventual expiry is.
	RefreshRetryInterval = 30 * time.Second
)

type refreshFunc func(ctx context.Context) (time.Time, error)

// refresher keeps the security token fresh, independent of caller activity.
// It is owned by the Manager's lifecycle: connects reschedule it, Close stops
// it. Only one refresh is in flight at a time.
type refresher struct {
	tmb      tomb.Tomb
	refresh  refreshFunc
	buffer   time.Duration
	retry    time.Duration
	timeout  time.Duration
	ctx      log.Interface
	expiries chan time.Time

	mu      sync.Mutex
	started bool
	stopped bool
}

func newRefresher(refresh refreshFunc, timeout time.Duration, ctx log.Interface) *refresher {
	return &refresher{
		refresh:  refresh,
		buffer:   RefreshBuffer,
		retry:    RefreshRetryInterval,
		timeout:  timeout,
		ctx:      ctx,
		expiries: make(chan time.Time, 1),
	}
}

// schedule arms the refresher for a token expiring at expires. A newer
// schedule supersedes an older one; scheduling after stop is a no-op, so a
// connect that loses a race with Close cannot revive the loop.
func (r *refresher) schedule(expires time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	select {
	case <-r.expiries:
	default:
	}
	r.expiries <- expires
	if !r.started {
		r.started = true
		r.tmb.Go(r.loop)
	}
}

// stop cancels the refresher and waits for an in-flight refresh to finish
func (r *refresher) stop() {
	r.mu.Lock()
	r.stopped = true
	started := r.started
	r.mu.Unlock()
	if started {
		r.tmb.Kill(nil)
		r.tmb.Wait()
	}
}

func (r *refresher) loop() error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	stopTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	stopTimer()

	for {
		select {
		case <-r.tmb.Dying():
			return tomb.ErrDying
		case expires := <-r.expiries:
			stopTimer()
			timer.Reset(time.Until(expires.Add(-r.buffer)))
			r.ctx.WithField("At", expires.Add(-r.buffer)).Debug("Scheduled token refresh")
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			expires, err := r.refresh(ctx)
			cancel()
			switch {
			case errors.Is(err, ErrSessionNotOpen):
				// the next connect reschedules
				r.ctx.Debug("No open session, token refresh suspended")
			case err != nil:
				tokenRefreshes.WithLabelValues("error").Inc()
				r.ctx.WithError(err).Warn("Could not refresh token, retrying")
				timer.Reset(r.retry)
			default:
				tokenRefreshes.WithLabelValues("ok").Inc()
				r.ctx.WithField("ExpiresAt", expires).Debug("Refreshed token")
				timer.Reset(time.Until(expires.Add(-r.buffer)))
			}
		}
	}
}
