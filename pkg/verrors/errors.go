package verrors

import (
	"errors"
	"syscall"
)

var (
	ErrClosed  = errors.New("closed")
	ErrInvalid = errors.New("invalid argument")
)

// Errors reported to the caller of a block I/O. Each one maps to the errno
// the block layer would see.
var (
	// ErrNoMemory means a request could not be allocated.
	ErrNoMemory = errors.New("request: out of memory")
	// ErrIO means neither the local disk nor the peer could serve the I/O.
	ErrIO = errors.New("request: i/o error")
	// ErrWouldBlock means a read-ahead could not be served without
	// blocking.
	ErrWouldBlock = errors.New("request: would block")
	// ErrSuspended means the device is suspended. The I/O is not failed;
	// the caller should retry it later.
	ErrSuspended = wrapTransientError(errors.New("request: device suspended"))
)

var (
	ErrDetached       = errors.New("local store: detached")
	ErrUnknownRequest = errors.New("replication: unknown request")
	ErrProtocol       = errors.New("replication: protocol error")
)

// Errno converts an error reported to the caller of a block I/O into the
// corresponding errno. It returns zero for a nil error.
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNoMemory):
		return syscall.ENOMEM
	case errors.Is(err, ErrWouldBlock):
		return syscall.EWOULDBLOCK
	case errors.Is(err, ErrSuspended):
		return syscall.EAGAIN
	default:
		return syscall.EIO
	}
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

func (e *transientError) Is(target error) bool {
	if target == nil {
		return e == target
	}
	if _, ok := target.(*transientError); ok {
		return true
	}
	return e.err != nil && errors.Is(e.err, target)
}

func wrapTransientError(err error) error {
	return &transientError{err: err}
}

// IsTransient checks if err is a temporary error, that is, the operation
// can be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, &transientError{})
}
