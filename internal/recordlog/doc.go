// Package recordlog provides sequential logs of serialized records.
//
// A Log is read front to back until exhausted; only then may records be
// appended. Positions act as save points: a caller can remember Position,
// append, and later GoTo the save point to copy everything written since
// into another log. Chain views and ledgers use this to commit a working
// copy in one step.
//
// Storage is pluggable through Core. This package ships a stream core
// (files or any io.ReadWriteSeeker, records framed with a varint length)
// and a memory core; package store adds a SQLite core.
package recordlog
