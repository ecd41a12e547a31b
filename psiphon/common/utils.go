/*
 * Copyright (c) 2016, Psiphon Inc.
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

package common

import (
	"os"
	"strconv"
	"strings"
)

// Contains is a helper function that returns true
// if the target string is in the list.
func Contains(list []string, target string) bool {
	for _, listItem := range list {
		if listItem == target {
			return true
		}
	}
	return false
}

// ContainsDuplicate returns true when any string appears more than once in
// the list.
func ContainsDuplicate(list []string) bool {
	seen := make(map[string]bool, len(list))
	for _, item := range list {
		if seen[item] {
			return true
		}
		seen[item] = true
	}
	return false
}

// FileExists returns true if a file, or directory, exists at the given path.
func FileExists(filePath string) bool {
	if _, err := os.Stat(filePath); err != nil && os.IsNotExist(err) {
		return false
	}
	return true
}

// ValueOrDefault returns the input value, or, when value is the zero value of
// its type, defaultValue.
func ValueOrDefault[T comparable](value, defaultValue T) T {
	var zero T
	if value == zero {
		return defaultValue
	}
	return value
}

// CompareDottedVersions compares two dotted numeric version strings such as
// "6.1.7600" and returns -1, 0, or 1. Missing trailing components are zero.
// Non-numeric components, including any suffix like "-beta", end the
// comparison of that string; ok is false when either version has no leading
// numeric component at all.
func CompareDottedVersions(a, b string) (result int, ok bool) {

	aParts := parseDottedVersion(a)
	bParts := parseDottedVersion(b)
	if len(aParts) == 0 || len(bParts) == 0 {
		return 0, false
	}

	for i := 0; i < len(aParts) || i < len(bParts); i++ {
		var x, y int
		if i < len(aParts) {
			x = aParts[i]
		}
		if i < len(bParts) {
			y = bParts[i]
		}
		if x < y {
			return -1, true
		}
		if x > y {
			return 1, true
		}
	}
	return 0, true
}

func parseDottedVersion(version string) []int {
	var parts []int
	for _, field := range strings.Split(strings.TrimSpace(version), ".") {
		end := 0
		for end < len(field) && field[end] >= '0' && field[end] <= '9' {
			end++
		}
		if end == 0 {
			break
		}
		n, err := strconv.Atoi(field[:end])
		if err != nil {
			break
		}
		parts = append(parts, n)
		if end < len(field) {
			break
		}
	}
	return parts
}
