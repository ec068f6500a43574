// Package dispatch implements admission control and slot scheduling for
// evaluations.
package dispatch
