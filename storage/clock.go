package storage

import (
	"sync/atomic"
	"time"
)

var lastStamp int64

// nextTime returns a strictly increasing instant, so two mutations of the
// same task within one clock tick still get distinct updatedAt values.
func nextTime() time.Time {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastStamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastStamp, last, now) {
			return time.Unix(0, now).UTC()
		}
	}
}
