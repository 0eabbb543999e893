//go:build !mono

// Package mono provides a monotonic clock used for the housekeeper's timer
// deadlines and the fabric publisher's init-delay, so that wall-clock
// adjustments never perturb them.
package mono

import "time"

var start = time.Now()

// NanoTime returns nanoseconds elapsed since process start, taken from
// time.Since, which is guaranteed by the runtime to use the monotonic
// clock reading carried alongside every time.Time.
func NanoTime() int64 { return int64(time.Since(start)) }
