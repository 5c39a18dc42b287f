// Package chain holds a contiguous run of block headers.
//
// A View is backed by a change log: every Initialize, append and rewind is
// written as a Change before it takes effect, and Process folds the log to
// rebuild the view. The log never shrinks; rewinding the tip is itself a
// change.
package chain
