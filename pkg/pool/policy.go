package pool

import (
	"fmt"
	"strings"

	"github.com/ajitpratap0/tidepool/pkg/errors"
)

// EvictionPolicy ranks idle entries when a pool must make room. The policy is
// fixed when the pool is constructed.
type EvictionPolicy int

const (
	// LastAccessTime evicts the entry idle the longest first. Ties go to the
	// entry admitted first.
	LastAccessTime EvictionPolicy = iota
	// AccessCount evicts the least used entry first. Ties go to the entry
	// idle the longest, then to the one admitted first.
	AccessCount
	// Expiration evicts the entry closest to expiring first. Entries without
	// any limit rank last. Ties go to the entry admitted first.
	Expiration
)

var policyNames = map[EvictionPolicy]string{
	LastAccessTime: "last_access_time",
	AccessCount:    "access_count",
	Expiration:     "expiration",
}

// String returns the configuration name of the policy.
func (p EvictionPolicy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("EvictionPolicy(%d)", int(p))
}

// Valid reports whether p is a known policy.
func (p EvictionPolicy) Valid() bool {
	_, ok := policyNames[p]
	return ok
}

// ParsePolicy parses a policy name as used in configuration files. The empty
// string selects LastAccessTime.
func ParsePolicy(s string) (EvictionPolicy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return LastAccessTime, nil
	}
	for p, name := range policyNames {
		if name == s {
			return p, nil
		}
	}
	return 0, errors.Newf(errors.ErrorTypeConfig, "unknown eviction policy %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p EvictionPolicy) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown eviction policy %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *EvictionPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Less reports whether a is less valuable than b, i.e. should be evicted
// before it.
func (p EvictionPolicy) Less(a, b *Activity) bool {
	switch p {
	case AccessCount:
		if a.AccessCount != b.AccessCount {
			return a.AccessCount < b.AccessCount
		}
		if !a.LastAccessTime.Equal(b.LastAccessTime) {
			return a.LastAccessTime.Before(b.LastAccessTime)
		}
	case Expiration:
		at, aLimited := a.ExpiresAt()
		bt, bLimited := b.ExpiresAt()
		switch {
		case aLimited && !bLimited:
			return true
		case !aLimited && bLimited:
			return false
		case aLimited && bLimited && !at.Equal(bt):
			return at.Before(bt)
		}
	default:
		if !a.LastAccessTime.Equal(b.LastAccessTime) {
			return a.LastAccessTime.Before(b.LastAccessTime)
		}
	}
	return a.seq < b.seq
}
