package testutil

import "time"

// Await polls cond until it reports true or the timeout passes.
// Used to wait for goroutine-driven settling (confirmation handling,
// reason pruning) without sleeping a fixed amount.
func Await(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}
