package chunkstore

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes store failures so callers can tell transient
// contention from structural corruption.
type ErrorCode string

const (
	// ErrCodeLockContention indicates the store lock could not be acquired
	// before the configured timeout.
	ErrCodeLockContention ErrorCode = "LOCK_CONTENTION"

	// ErrCodeIO indicates a filesystem failure (missing directory, permission,
	// short write).
	ErrCodeIO ErrorCode = "IO"

	// ErrCodeCorruptRecord indicates a record header or payload could not be
	// decoded.
	ErrCodeCorruptRecord ErrorCode = "CORRUPT_RECORD"
)

// Error is returned by every Store operation.
type Error struct {
	Code ErrorCode
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("chunkstore %s %s: %s: %v", e.Op, e.Path, e.Code, e.Err)
	}
	return fmt.Sprintf("chunkstore %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsLockContention returns true if err is a lock acquisition timeout.
// Uses errors.As to handle wrapped errors.
func IsLockContention(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == ErrCodeLockContention
	}
	return false
}

// IsCorrupt returns true if err reports an undecodable record.
func IsCorrupt(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == ErrCodeCorruptRecord
	}
	return false
}

func ioError(op, path string, err error) *Error {
	return &Error{Code: ErrCodeIO, Op: op, Path: path, Err: err}
}

func corruptError(op, path string, err error) *Error {
	return &Error{Code: ErrCodeCorruptRecord, Op: op, Path: path, Err: err}
}
