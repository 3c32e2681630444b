package domain

import (
	"context"
	"errors"
	"net"
)

// ErrorKind separates failures a caller may retry from terminal ones.
type ErrorKind string

const (
	ErrorTransient         ErrorKind = "transient"
	ErrorRejected          ErrorKind = "rejected"
	ErrorAccountResolution ErrorKind = "account_resolution"
)

// ChainError is the error returned by chain adapters.
type ChainError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ChainError) Error() string {
	if e.Op == "" {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return e.Op + ": " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *ChainError) Unwrap() error {
	return e.Err
}

func Transient(op string, err error) error {
	return &ChainError{Kind: ErrorTransient, Op: op, Err: err}
}

func Rejected(op string, err error) error {
	return &ChainError{Kind: ErrorRejected, Op: op, Err: err}
}

func AccountResolution(op string, err error) error {
	return &ChainError{Kind: ErrorAccountResolution, Op: op, Err: err}
}

// Classify returns the kind of err. Timeouts and network failures are
// transient, anything the adapter did not type is treated as rejected.
func Classify(err error) ErrorKind {
	var chainErr *ChainError
	if errors.As(err, &chainErr) {
		return chainErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorTransient
	}
	return ErrorRejected
}
