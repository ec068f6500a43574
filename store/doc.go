// Package store persists terminal evaluation results.
//
// A Result is written exactly once, when its evaluation reaches a terminal
// state, and is never modified afterwards. Three drivers are provided:
// sqlite (the default, via modernc.org/sqlite), file (one JSON document per
// result, written atomically into a locked directory) and memory.
package store
