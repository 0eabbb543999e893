//go:build mono

// Package mono provides a monotonic clock used for the housekeeper's timer
// deadlines and the fabric publisher's init-delay, so that wall-clock
// adjustments never perturb them.
package mono

import (
	_ "unsafe" // for go:linkname
)

// https://pkg.go.dev/runtime#nanotime
//
//go:linkname NanoTime runtime.nanotime
func NanoTime() int64
