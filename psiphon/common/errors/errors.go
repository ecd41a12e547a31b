/*
 * Copyright (c) 2019, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

/*

Package errors provides error wrapping helpers that add inline, single frame
stack trace information to error messages.

A traced error reads as "pkg.Func#line: message". Wrapping uses %w, so the
standard library errors.Is and errors.As continue to work on traced errors;
Is and As are re-exported here so that callers need only one errors import.

*/
package errors

import (
	std_errors "errors"
	"fmt"
	"runtime"
	"strings"
)

// TraceNew returns a new error with the given message, wrapped with the caller
// stack frame information.
func TraceNew(message string) error {
	err := std_errors.New(message)
	return fmt.Errorf("%s: %w", callerFrame(2), err)
}

// Tracef returns a new error with the given formatted message, wrapped with
// the caller stack frame information.
func Tracef(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	return fmt.Errorf("%s: %w", callerFrame(2), err)
}

// Trace wraps the given error with the caller stack frame information.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", callerFrame(2), err)
}

// TraceMsg wraps the given error with the caller stack frame information
// and the given message.
func TraceMsg(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %s: %w", callerFrame(2), message, err)
}

// ParentContext returns the function name and source line of the caller's
// caller. Notices use this as their "context" field.
func ParentContext() string {
	return callerFrame(3)
}

// Is is errors.Is.
func Is(err, target error) bool {
	return std_errors.Is(err, target)
}

// As is errors.As.
func As(err error, target interface{}) bool {
	return std_errors.As(err, target)
}

func callerFrame(skip int) string {
	pc, _, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown#0"
	}
	return fmt.Sprintf("%s#%d", functionName(pc), line)
}

// functionName trims the package path from the full function name returned
// by runtime.Func.Name, leaving "pkg.Func" or "pkg.(*Type).Method".
func functionName(pc uintptr) string {
	f := runtime.FuncForPC(pc)
	if f == nil {
		return "unknown"
	}
	name := f.Name()
	index := strings.LastIndex(name, "/")
	if index != -1 {
		name = name[index+1:]
	}
	return name
}
