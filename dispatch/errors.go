// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"errors"
	"fmt"
)

// Kind classifies dispatch failures.
type Kind uint8

const (
	KindUnknown Kind = iota
	ResourceOverflow
	TransportFailure
	ProtocolMismatch
	SecurityTransformFailure
	PermanentFailure
	Expired
	Remote
)

func (k Kind) String() string {
	switch k {
	case ResourceOverflow:
		return "resource_overflow"
	case TransportFailure:
		return "transport_failure"
	case ProtocolMismatch:
		return "protocol_mismatch"
	case SecurityTransformFailure:
		return "security_transform_failure"
	case PermanentFailure:
		return "permanent_failure"
	case Expired:
		return "expired"
	case Remote:
		return "remote"
	default:
		return "unknown"
	}
}

// Error is a classified dispatch failure.
type Error struct {
	Kind        Kind
	Destination string
	Op          string
	Err         error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Destination != "" {
		msg = e.Destination + ": " + msg
	}
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a target *Error by kind, so the package sentinels work with
// errors.Is regardless of destination and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Destination == "" && t.Op == "" && t.Err == nil
}

// Sentinels for errors.Is checks.
var (
	ErrResourceOverflow  = &Error{Kind: ResourceOverflow}
	ErrTransportFailure  = &Error{Kind: TransportFailure}
	ErrProtocolMismatch  = &Error{Kind: ProtocolMismatch}
	ErrSecurityTransform = &Error{Kind: SecurityTransformFailure}
	ErrPermanentFailure  = &Error{Kind: PermanentFailure}
	ErrExpired           = &Error{Kind: Expired}
	ErrRemote            = &Error{Kind: Remote}
)

var (
	// ErrShutdown is returned for operations on a destination that has been
	// shut down.
	ErrShutdown = errors.New("destination is shut down")

	// ErrOneway is returned by Wait on entries that never carry a result.
	ErrOneway = errors.New("oneway entries carry no result")

	ErrUnknownDestination = errors.New("unknown destination")
	ErrDestinationExists  = errors.New("destination already exists")
	ErrNoAddresses        = errors.New("destination has no addresses")
	ErrEngineClosed       = errors.New("engine is closed")
	ErrMissingRegistry    = errors.New("driver registry is required")
	ErrNilEntry           = errors.New("nil entry")
)

func newError(kind Kind, dest, op string, err error) *Error {
	return &Error{Kind: kind, Destination: dest, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// permanent converts err into a PermanentFailure for dest, keeping it as is
// when it already is one.
func permanent(dest string, err error) *Error {
	var e *Error
	if errors.As(err, &e) && e.Kind == PermanentFailure {
		return e
	}
	return newError(PermanentFailure, dest, "", err)
}

func errorf(kind Kind, dest, op, format string, args ...any) *Error {
	return newError(kind, dest, op, fmt.Errorf(format, args...))
}
