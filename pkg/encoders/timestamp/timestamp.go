// Package timestamp provides the nostr created_at type: a unix-second
// timestamp that never trusts itself to be anything but what the event
// creator claimed.
package timestamp

import "time"

// T is a unix-second timestamp.
type T int64

// Now returns the current time as a T.
func Now() T { return T(time.Now().Unix()) }

// FromUnix wraps a raw unix-second value.
func FromUnix(i int64) T { return T(i) }

// I64 returns the timestamp as an int64.
func (t T) I64() int64 { return int64(t) }

// Time returns the timestamp as a time.Time in UTC.
func (t T) Time() time.Time { return time.Unix(int64(t), 0).UTC() }

// Before reports whether t is strictly earlier than u.
func (t T) Before(u T) bool { return t < u }

// After reports whether t is strictly later than u.
func (t T) After(u T) bool { return t > u }
