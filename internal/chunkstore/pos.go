package chunkstore

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Pos addresses a record in the logical stream formed by all chunk files:
// the chunk file index and the byte offset inside that file.
type Pos struct {
	File   uint32
	Offset uint32
}

var (
	// Begin is the first addressable position.
	Begin = Pos{File: 0, Offset: 0}

	// End is the last addressable position.
	End = Pos{File: math.MaxUint32, Offset: math.MaxUint32}
)

// OfFile returns p moved to file, keeping its offset.
// Begin.OfFile(3) is the start of file 3, End.OfFile(3) its end.
func (p Pos) OfFile(file uint32) Pos {
	return Pos{File: file, Offset: p.Offset}
}

// Compare orders positions by file, then offset.
func (p Pos) Compare(o Pos) int {
	switch {
	case p.File < o.File:
		return -1
	case p.File > o.File:
		return 1
	case p.Offset < o.Offset:
		return -1
	case p.Offset > o.Offset:
		return 1
	}
	return 0
}

// Less reports whether p sorts before o.
func (p Pos) Less(o Pos) bool {
	return p.Compare(o) < 0
}

// String encodes p as "<file>-<offset>". This is the cursor hint format.
func (p Pos) String() string {
	return fmt.Sprintf("%d-%d", p.File, p.Offset)
}

// ParsePos decodes the output of Pos.String.
func ParsePos(s string) (Pos, error) {
	file, offset, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return Pos{}, fmt.Errorf("parse position %q: missing separator", s)
	}
	f, err := strconv.ParseUint(file, 10, 32)
	if err != nil {
		return Pos{}, fmt.Errorf("parse position %q: file: %w", s, err)
	}
	o, err := strconv.ParseUint(offset, 10, 32)
	if err != nil {
		return Pos{}, fmt.Errorf("parse position %q: offset: %w", s, err)
	}
	return Pos{File: uint32(f), Offset: uint32(o)}, nil
}

// Range bounds an enumeration. The zero value is not useful; use All.
type Range struct {
	Begin Pos
	End   Pos
}

// All is the unbounded range.
var All = Range{Begin: Begin, End: End}

// Contains reports whether the file index falls inside the range.
func (r Range) Contains(file uint32) bool {
	return file >= r.Begin.File && file <= r.End.File
}

// Clip restricts r to a single file. When r starts in an earlier file the
// clipped range starts at offset 0; when it ends in a later file the clipped
// range runs to the end of the file. ok is false if file is outside r.
func (r Range) Clip(file uint32) (clipped Range, ok bool) {
	if !r.Contains(file) {
		return Range{}, false
	}
	clipped = r
	if r.Begin.File < file {
		clipped.Begin = Begin.OfFile(file)
	}
	if r.End.File > file {
		clipped.End = End.OfFile(file)
	}
	return clipped, true
}

func (r Range) String() string {
	return r.Begin.String() + ".." + r.End.String()
}
