/*
 * Copyright (c) 2015, Psiphon Inc.
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

package psiphon

import (
	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/errors"
	"github.com/shirou/gopsutil/v4/host"
)

// CheckVPNPlatformSupport returns an error when the host platform version is
// below minimumVersion. An undeterminable platform version is unsupported.
// A blank minimumVersion disables the check.
func CheckVPNPlatformSupport(minimumVersion string) error {
	if minimumVersion == "" {
		return nil
	}

	platform, _, version, err := host.PlatformInformation()
	if err != nil {
		return errors.Trace(err)
	}

	return checkPlatformVersion(platform, version, minimumVersion)
}

func checkPlatformVersion(platform, version, minimumVersion string) error {
	result, ok := common.CompareDottedVersions(version, minimumVersion)
	if !ok {
		return errors.Tracef(
			"unknown platform version: %s '%s'", platform, version)
	}
	if result < 0 {
		return errors.Tracef(
			"platform %s %s is below VPN minimum version %s", platform, version, minimumVersion)
	}
	return nil
}
