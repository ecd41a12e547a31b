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
	"context"
	"os/exec"

	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/errors"
)

// CommandTweaker is an EnvironmentTweaker which runs configured commands.
// An empty command is a no-op.
type CommandTweaker struct {
	vpnCommand []string
	dnsCommand []string
}

func NewCommandTweaker(vpnCommand, dnsCommand []string) *CommandTweaker {
	return &CommandTweaker{
		vpnCommand: vpnCommand,
		dnsCommand: dnsCommand,
	}
}

// TweakVPN checks and, where possible, fixes host VPN services.
func (tweaker *CommandTweaker) TweakVPN(ctx context.Context) error {
	return errors.Trace(runTweakCommand(ctx, tweaker.vpnCommand))
}

// TweakDNS flushes the host DNS cache so that names resolve through the VPN.
func (tweaker *CommandTweaker) TweakDNS(ctx context.Context) error {
	return errors.Trace(runTweakCommand(ctx, tweaker.dnsCommand))
}

// runTweakCommand kills the command when ctx is done. WaitDelay bounds the
// wait for any children still holding the output pipe.
func runTweakCommand(ctx context.Context, command []string) error {
	if len(command) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.WaitDelay = TWEAK_COMMAND_WAIT_DELAY
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Tracef("%s failed: %v: %s", command[0], err, output)
	}
	return nil
}
