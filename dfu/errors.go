// Copyright (C) 2019 OpenDisplay
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package dfu

import (
	"fmt"

	"github.com/pkg/errors"
)

type ErrorKind int

const (
	ErrBundleMalformed ErrorKind = iota
	ErrBundleUnsupported
	ErrDeviceNotFound
	ErrNoDFUService
	ErrTransport
	ErrProtocol
	ErrTimeout
	ErrActivationTimeout
)

// Error is the root of the DFU failure taxonomy. Protocol failures carry the
// request opcode and the status byte the target answered with; timeouts carry
// the phase the session was in.
type Error struct {
	Kind   ErrorKind
	Opcode byte
	Status byte
	Phase  string

	message string
}

func (e *Error) Error() string {
	return e.message
}

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, message: fmt.Sprintf(format, args...)}
}

func protocolError(opcode dfuOperation, status dfuResult) *Error {
	return &Error{
		Kind:    ErrProtocol,
		Opcode:  byte(opcode),
		Status:  byte(status),
		message: fmt.Sprintf("target rejected operation 0x%02X with status %s", byte(opcode), status),
	}
}

func timeoutError(phase string) *Error {
	return &Error{
		Kind:    ErrTimeout,
		Phase:   phase,
		message: fmt.Sprintf("timed out awaiting target in phase %s", phase),
	}
}

// IsKind reports whether err, or any error it wraps, is a DFU error of the
// given kind.
func IsKind(err error, kind ErrorKind) bool {
	if e, ok := errors.Cause(err).(*Error); ok {
		return e.Kind == kind
	}
	return false
}
