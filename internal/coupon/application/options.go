package application

import "time"

type options struct {
	now                Clock
	conflictRetries    int
	reservationTimeout time.Duration
	lockTTL            time.Duration
	lockWait           time.Duration
	sweepBatch         int
	sweepInterval      time.Duration
}

type Option func(*options)

func WithClock(now Clock) Option { return func(o *options) { o.now = now } }

func WithConflictRetries(n int) Option { return func(o *options) { o.conflictRetries = n } }

func WithReservationTimeout(d time.Duration) Option {
	return func(o *options) { o.reservationTimeout = d }
}

func WithLock(ttl, wait time.Duration) Option {
	return func(o *options) { o.lockTTL, o.lockWait = ttl, wait }
}

func WithSweep(interval time.Duration, batch int) Option {
	return func(o *options) { o.sweepInterval, o.sweepBatch = interval, batch }
}

func applyOptions(opts []Option) options {
	o := options{
		now:                func() time.Time { return time.Now().UTC() },
		conflictRetries:    3,
		reservationTimeout: 15 * time.Minute,
		lockTTL:            10 * time.Second,
		lockWait:           2 * time.Second,
		sweepBatch:         500,
		sweepInterval:      time.Minute,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
