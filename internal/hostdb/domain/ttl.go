package domain

import (
	"fmt"
	"strings"
	"time"
)

// MaxTTL caps every stored TTL (about 24 days) so no configuration can keep
// an entry alive indefinitely.
const MaxTTL uint32 = 0x1FFFFF

// TTLMode decides how an upstream TTL combines with the configured interval.
type TTLMode int

const (
	TTLObey TTLMode = iota
	TTLIgnore
	TTLMin
	TTLMax
)

func (m TTLMode) String() string {
	switch m {
	case TTLObey:
		return "obey"
	case TTLIgnore:
		return "ignore"
	case TTLMin:
		return "min"
	case TTLMax:
		return "max"
	default:
		return fmt.Sprintf("TTLMode(%d)", int(m))
	}
}

// ParseTTLMode parses "obey", "ignore", "min" or "max".
func ParseTTLMode(s string) (TTLMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "obey", "":
		return TTLObey, nil
	case "ignore":
		return TTLIgnore, nil
	case "min":
		return TTLMin, nil
	case "max":
		return TTLMax, nil
	}
	return 0, fmt.Errorf("unknown ttl mode %q", s)
}

// TTLPolicy turns upstream TTLs into stored TTLs.
type TTLPolicy struct {
	Mode     TTLMode
	Interval time.Duration
	FailTTL  time.Duration
}

// Positive returns the TTL to store for a successful answer.
func (p TTLPolicy) Positive(upstream uint32) uint32 {
	interval := seconds(p.Interval)
	var ttl uint32
	switch p.Mode {
	case TTLIgnore:
		ttl = interval
	case TTLMin:
		ttl = min(interval, upstream)
	case TTLMax:
		ttl = max(interval, upstream)
	default:
		ttl = upstream
	}
	return capTTL(ttl)
}

// Negative returns the TTL for a failed lookup. It never exceeds the
// configured positive interval.
func (p TTLPolicy) Negative() uint32 {
	return capTTL(min(seconds(p.FailTTL), seconds(p.Interval)))
}

func seconds(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	s := d / time.Second
	if s > time.Duration(MaxTTL) {
		return MaxTTL
	}
	return uint32(s)
}

func capTTL(ttl uint32) uint32 {
	return min(ttl, MaxTTL)
}
