// Package globaltime is the clock every component reads. Tests pin it with
// SetMockTime and release it with ResetTime.
package globaltime

import (
	"sync/atomic"
	"time"
)

var pinned atomic.Pointer[time.Time]

func Now() time.Time {
	if t := pinned.Load(); t != nil {
		return *t
	}
	return time.Now()
}

func UTC() time.Time {
	return Now().UTC()
}

func SetMockTime(t time.Time) {
	pinned.Store(&t)
}

func ResetTime() {
	pinned.Store(nil)
}
