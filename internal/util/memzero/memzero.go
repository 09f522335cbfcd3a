// Package memzero wipes key material held in byte slices.
package memzero

import "runtime"

// Zero overwrites every slice in bufs with zeros.
func Zero(bufs ...[]byte) {
	for _, b := range bufs {
		clear(b)
		// Keep the write from being optimised away as dead.
		runtime.KeepAlive(b)
	}
}
