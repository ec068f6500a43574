// Package lifecycle owns the canonical status of every evaluation.
//
// Machine is the only component that changes an evaluation's status.
// Other components report events (exit, timeout, kill) and the first
// transition that is valid wins; later ones fail with ErrInvalidTransition
// and are logged as ignored.
//
//	queued -> provisioning -> running -> completing -> completed | failed | timed_out | killed
//	provisioning -> failed
package lifecycle
