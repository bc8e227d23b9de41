package clock

import "time"

// Clock supplies wall time and timer channels. It is a subset of
// jonboulle/clockwork.Clock so tests can inject a clockwork fake directly.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

func (RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
