// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package errors defines the error handling used across the BitDust core:
// a single Error type tagged with a Kind drawn from the taxonomy in §7 of
// the specification (transient network, protocol, capacity, data
// integrity, invariant violation, user error).
package errors

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"fmt"
	"runtime"
	"strings"

	"bitdust.io/bitdust/log"
)

// Error is the type that implements the error interface.
// It contains a number of fields, each of different type.
// An Error value may leave some values unset.
type Error struct {
	// PacketID is the packet or backup segment being processed, if any.
	PacketID string
	// IDURL is the identity involved in the failing operation, if any.
	IDURL string
	// Op is the operation being performed, usually "package.Func".
	Op string
	// Kind is the class of error; Other if unknown or irrelevant.
	Kind Kind
	// The underlying error that triggered this one, if any.
	Err error
}

var (
	_       error                      = (*Error)(nil)
	_       encoding.BinaryUnmarshaler = (*Error)(nil)
	_       encoding.BinaryMarshaler   = (*Error)(nil)
	zeroErr Error
)

// Separator is the string used to separate nested errors. By default,
// nested errors are indented on a new line.
var Separator = ":\n\t"

// Kind defines the class of error, per §7 of the specification. Callers
// use it to choose a recovery policy (retry, drop, fail synchronously,
// restart component) without parsing the message text.
type Kind uint8

// Kinds of errors.
const (
	Other     Kind = iota // Unclassified error. Not printed in the message.
	Transient             // Timeout, session drop, peer disconnect: retry with backoff.
	Protocol              // Malformed packet, bad signature, replay: drop and log.
	Capacity              // Quota exceeded, MAX_ROUTES reached: fail the caller, no state change.
	Integrity             // ECC-decode failure, decryption failure, checksum mismatch.
	Invariant             // Invariant violation: fatal at the component, restart from persisted state.
	Invalid               // User error: unknown path, malformed IDURL, invalid key_id.
)

func (k Kind) String() string {
	switch k {
	case Other:
		return "other error"
	case Transient:
		return "transient network error"
	case Protocol:
		return "protocol error"
	case Capacity:
		return "capacity exceeded"
	case Integrity:
		return "data integrity error"
	case Invariant:
		return "invariant violation"
	case Invalid:
		return "invalid request"
	}
	return "unknown error kind"
}

// E builds an error value from its arguments.
// The type of each argument determines its meaning.
// If more than one argument of a given type is presented,
// only the last one is recorded, except that the first IDURL and the
// first PacketID are the ones kept.
//
// The types are:
//	string
//		Interpreted as an IDURL if it starts with "http"; otherwise
//		as a PacketID if it contains at least two '/' and no space;
//		otherwise as an IDURL if it contains '@'; otherwise as the
//		operation name.
//	errors.Kind
//		The class of error.
//	error
//		The underlying error that triggered this one.
//
// If Kind is not specified or Other, we set it to the Kind of the
// underlying error.
func E(args ...interface{}) error {
	if len(args) == 0 {
		return nil
	}
	e := &Error{}
	for _, arg := range args {
		switch arg := arg.(type) {
		case string:
			if strings.HasPrefix(arg, "http") {
				if e.IDURL == "" {
					e.IDURL = arg
				}
				continue
			}
			if strings.Count(arg, "/") >= 2 && !strings.Contains(arg, " ") {
				if e.PacketID == "" {
					e.PacketID = arg
				}
				continue
			}
			if strings.Contains(arg, "@") {
				if e.IDURL == "" {
					e.IDURL = arg
				}
				continue
			}
			e.Op = arg
		case Kind:
			e.Kind = arg
		case *Error:
			// Make a copy.
			e.Err = &Error{
				PacketID: arg.PacketID,
				IDURL:    arg.IDURL,
				Op:       arg.Op,
				Kind:     arg.Kind,
				Err:      arg.Err,
			}
		case error:
			e.Err = arg
		default:
			_, file, line, _ := runtime.Caller(1)
			log.Printf("errors.E: bad call from %s:%d: %v", file, line, args)
			return Errorf("unknown type %T, value %v in error call", arg, arg)
		}
	}
	prev, ok := e.Err.(*Error)
	if !ok {
		return e
	}

	// The previous error was also one of ours. Suppress duplication so
	// the message won't contain the same kind or identifier twice.
	if prev.PacketID == e.PacketID {
		prev.PacketID = ""
	}
	if prev.IDURL == e.IDURL {
		prev.IDURL = ""
	}
	if prev.Kind == e.Kind {
		prev.Kind = Other
	}
	if e.Kind == Other {
		e.Kind = prev.Kind
		prev.Kind = Other
	}
	return e
}

// pad appends str to the buffer if the buffer already has some data.
func pad(b *bytes.Buffer, str string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(str)
}

func (e *Error) Error() string {
	b := new(bytes.Buffer)
	if e.PacketID != "" {
		b.WriteString(e.PacketID)
	}
	if e.IDURL != "" {
		pad(b, ", ")
		b.WriteString("idurl ")
		b.WriteString(e.IDURL)
	}
	if e.Op != "" {
		pad(b, ": ")
		b.WriteString(e.Op)
	}
	if e.Kind != 0 {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		if prevErr, ok := e.Err.(*Error); ok {
			if *prevErr != zeroErr {
				pad(b, Separator)
				b.WriteString(e.Err.Error())
			}
		} else {
			pad(b, ": ")
			b.WriteString(e.Err.Error())
		}
	}
	if b.Len() == 0 {
		return "no error"
	}
	return b.String()
}

// Is reports whether err is an *Error of the given Kind, or wraps one.
func Is(kind Kind, err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	if e.Kind != Other {
		return e.Kind == kind
	}
	if e.Err != nil {
		return Is(kind, e.Err)
	}
	return false
}

// Str returns an error that formats as the given text. It is intended to
// be used as the error-typed argument to the E function.
func Str(text string) error {
	return &errorString{text}
}

// errorString is a trivial implementation of error.
type errorString struct {
	s string
}

func (e *errorString) Error() string {
	return e.s
}

// Errorf is equivalent to fmt.Errorf, but allows clients to import only
// this package for all error handling.
func Errorf(format string, args ...interface{}) error {
	return &errorString{fmt.Sprintf(format, args...)}
}

// MarshalAppend marshals err into a byte slice. The result is appended to
// b, which may be nil. It returns the argument slice unchanged if the
// error is nil. Used to carry a typed error across the wire in a Fail
// packet's payload.
func (e *Error) MarshalAppend(b []byte) []byte {
	if e == nil {
		return b
	}
	b = appendString(b, e.PacketID)
	b = appendString(b, e.IDURL)
	b = appendString(b, e.Op)
	var tmp [16]byte
	n := binary.PutVarint(tmp[:], int64(e.Kind))
	b = append(b, tmp[:n]...)
	b = MarshalErrorAppend(e.Err, b)
	return b
}

// MarshalBinary marshals its receiver into a byte slice, which it returns.
func (e *Error) MarshalBinary() ([]byte, error) {
	return e.MarshalAppend(nil), nil
}

// MarshalErrorAppend marshals an arbitrary error into a byte slice,
// appended to b.
func MarshalErrorAppend(err error, b []byte) []byte {
	if err == nil {
		return b
	}
	if e, ok := err.(*Error); ok {
		b = append(b, 'E')
		return e.MarshalAppend(b)
	}
	b = append(b, 'e')
	b = appendString(b, err.Error())
	return b
}

// MarshalError marshals an arbitrary error and returns the byte slice.
func MarshalError(err error) []byte {
	return MarshalErrorAppend(err, nil)
}

// UnmarshalBinary unmarshals the byte slice into the receiver.
func (e *Error) UnmarshalBinary(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	data, b := getBytes(b)
	e.PacketID = string(data)
	data, b = getBytes(b)
	e.IDURL = string(data)
	data, b = getBytes(b)
	e.Op = string(data)
	k, n := binary.Varint(b)
	e.Kind = Kind(k)
	b = b[n:]
	e.Err = UnmarshalError(b)
	return nil
}

// UnmarshalError unmarshals the byte slice into an error value. The byte
// slice must have been created by MarshalError or MarshalErrorAppend.
func UnmarshalError(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	code := b[0]
	b = b[1:]
	switch code {
	case 'e':
		var data []byte
		data, b = getBytes(b)
		if len(b) != 0 {
			log.Printf("errors.UnmarshalError: trailing bytes")
		}
		return Str(string(data))
	case 'E':
		var err Error
		err.UnmarshalBinary(b)
		return &err
	default:
		log.Printf("errors.UnmarshalError: corrupt data %q", b)
		return Str(string(b))
	}
}

func appendString(b []byte, str string) []byte {
	var tmp [16]byte
	n := binary.PutUvarint(tmp[:], uint64(len(str)))
	b = append(b, tmp[:n]...)
	b = append(b, str...)
	return b
}

// getBytes unmarshals the byte slice at b (uvarint count followed by
// bytes) and returns the slice followed by the remaining bytes.
func getBytes(b []byte) (data, remaining []byte) {
	u, n := binary.Uvarint(b)
	if len(b) < n+int(u) {
		log.Printf("errors.getBytes: bad encoding")
		return nil, nil
	}
	if n == 0 {
		log.Printf("errors.getBytes: bad encoding")
		return nil, b
	}
	return b[n : n+int(u)], b[n+int(u):]
}
