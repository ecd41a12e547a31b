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
	"encoding/json"
	"strings"
)

/*
These values should be filled in at build time using the `-X` option to the
Go linker, like `-ldflags "-X var1=abc -X var2=xyz"`. Without those build
flags, the build info will simply be empty strings. Any passed value must
contain no whitespace.
*/
// -X github.com/Psiphon-Labs/psiphon-client-core/psiphon/common.buildDate=`date --iso-8601=seconds`
var buildDate string

// -X github.com/Psiphon-Labs/psiphon-client-core/psiphon/common.buildRepo=`git config --get remote.origin.url`
var buildRepo string

// -X github.com/Psiphon-Labs/psiphon-client-core/psiphon/common.buildRev=`git rev-parse --short HEAD`
var buildRev string

// -X github.com/Psiphon-Labs/psiphon-client-core/psiphon/common.goVersion=`go version | perl -ne '/go version (.*?) / && print $1'`
var goVersion string

// BuildInfo is emitted in the startup notice and by the console client's
// -version flag.
type BuildInfo struct {
	BuildDate string `json:"buildDate"`
	BuildRepo string `json:"buildRepo"`
	BuildRev  string `json:"buildRev"`
	GoVersion string `json:"goVersion"`
}

// ToMap converts BuildInfo to notice data.
func (bi *BuildInfo) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"buildDate": bi.BuildDate,
		"buildRepo": bi.BuildRepo,
		"buildRev":  bi.BuildRev,
		"goVersion": bi.GoVersion,
	}
}

// String returns the JSON encoding of the build info.
func (bi *BuildInfo) String() string {
	b, _ := json.Marshal(bi)
	return string(b)
}

func GetBuildInfo() *BuildInfo {
	return &BuildInfo{
		BuildDate: strings.TrimSpace(buildDate),
		BuildRepo: strings.TrimSpace(buildRepo),
		BuildRev:  strings.TrimSpace(buildRev),
		GoVersion: strings.TrimSpace(goVersion),
	}
}
