// clock_fallback.go - Shared time.Now()-based monotonic reading
//
// License: GPLv3 or later

package ironplcvm

import "time"

var fallbackEpoch = time.Now()

// fallbackNowNs returns nanoseconds elapsed since process start, using
// time.Now()'s monotonic clock reading. Used directly on non-Linux hosts,
// and as clock_linux.go's fallback if the CLOCK_MONOTONIC syscall fails.
func fallbackNowNs() int64 {
	return time.Since(fallbackEpoch).Nanoseconds()
}
