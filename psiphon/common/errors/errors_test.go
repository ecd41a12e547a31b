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

package errors

import (
	"io"
	"strings"
	"testing"
)

func TestTrace(t *testing.T) {

	err := Trace(io.EOF)
	if !strings.HasPrefix(err.Error(), "errors.TestTrace#") {
		t.Fatalf("unexpected trace prefix: %s", err)
	}
	if !Is(err, io.EOF) {
		t.Fatalf("traced error lost wrapped error")
	}

	err = TraceMsg(err, "reading")
	if !strings.Contains(err.Error(), ": reading: ") {
		t.Fatalf("unexpected message: %s", err)
	}
	if !Is(err, io.EOF) {
		t.Fatalf("traced error lost wrapped error")
	}

	if Trace(nil) != nil || TraceMsg(nil, "x") != nil {
		t.Fatalf("nil error not preserved")
	}

	err = Tracef("code %d", 691)
	if !strings.HasSuffix(err.Error(), ": code 691") {
		t.Fatalf("unexpected message: %s", err)
	}
}

func parentContextHelper() string {
	return ParentContext()
}

func TestParentContext(t *testing.T) {
	context := parentContextHelper()
	if !strings.HasPrefix(context, "errors.TestParentContext#") {
		t.Fatalf("unexpected context: %s", context)
	}
}
