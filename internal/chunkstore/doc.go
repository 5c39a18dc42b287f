// Package chunkstore stores an append-only sequence of serialized records in
// a directory of size-capped, numbered files.
//
// # Layout
//
// Files are named <prefix><index>.<ext> with a five-digit zero-padded index
// (blk00000.dat, blk00001.dat, ...). Anything else in the directory is
// ignored. Each record is framed as:
//
//	magic   uint32 little-endian (network magic)
//	size    uint32 little-endian (payload length)
//	payload size bytes
//
// A record is addressed by Pos{File, Offset}. Positions are totally ordered
// and enumeration always visits them in ascending order, whatever order the
// directory listing returns.
//
// # Appending
//
// Append is the only writer path. It takes an exclusive flock on the
// StoreLock file, reads the next position hinted there, rolls over to the
// next file if the record would not fit, writes the record and stores the
// new hint. A missing or malformed hint is recovered by measuring the highest
// indexed file. Each Append is atomic with respect to the lock; AppendAll is
// a sequence of Appends, so a crash leaves a valid prefix.
//
// # Reading
//
// Enumerate holds a shared lock for the whole iteration and drops records
// whose magic differs from the configured network. EnumerateFolder and
// EnumerateFile neither lock nor filter.
package chunkstore
