package teledrive

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("path conflict")
	ErrInvalidInput       = errors.New("invalid input")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrTransferFailure    = errors.New("transfer failure")
	ErrPersistenceFailure = errors.New("persistence failure")
	ErrExpired            = errors.New("expired")
	ErrRunInProgress      = errors.New("reconcile run already in progress")
	ErrNotImplemented     = errors.New("not implemented")
	ErrReadOnly           = errors.New("read-only drive")

	ErrSharePasswordRequired = errors.New("share password required")
	ErrShareForbidden        = errors.New("share password mismatch")
	ErrShareLimitReached     = errors.New("share download limit reached")
)

// ErrFolderNotEmpty is returned when a non-recursive delete targets a folder
// with children. It matches ErrConflict.
var ErrFolderNotEmpty = &folderNotEmptyError{}

type folderNotEmptyError struct{}

func (e *folderNotEmptyError) Error() string { return "folder not empty" }

func (e *folderNotEmptyError) Is(target error) bool {
	return target == ErrConflict
}

// PathError records the operation and path that failed.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// PayloadTooLargeError is terminal for a blob until someone shrinks or removes it.
type PayloadTooLargeError struct {
	Name  string
	Size  int64
	Limit int64
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("%s is %d bytes, remote limit is %d", e.Name, e.Size, e.Limit)
}

func (e *PayloadTooLargeError) Is(target error) bool {
	return target == ErrPayloadTooLarge
}

func pathErr(op, path string, err error) error {
	return &PathError{Op: op, Path: path, Err: err}
}
