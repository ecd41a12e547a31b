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
	"bufio"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/errors"
)

const (
	VPN_ERROR_CODE_ESTABLISH_TIMEOUT = -1
	VPN_ERROR_CODE_HELPER_EXITED     = -2

	vpnHelperWaitDelay = 1 * time.Second
)

// ExecVPNTransport is a VPNTransport which drives an external platform VPN
// helper. The helper is run with the server address and pre-shared key
// appended to the configured command line, and reports progress with lines
// on stdout:
//
//	starting
//	connected <local tunnel address>
//	failed <platform error code>
//
// The connection lasts as long as the helper runs. A helper which doesn't
// report connected or failed within the establish timeout is killed and the
// attempt fails.
type ExecVPNTransport struct {
	*VPNConnectionStateMachine
	command           []string
	establishTimeout  time.Duration
	mutex             sync.Mutex
	helper            *vpnHelperProcess
	teardownSuspended bool
}

type vpnHelperProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	done   chan struct{}
}

// kill stops the helper. Closing stdout unblocks the monitor even when a
// child of the helper still holds the pipe open.
func (helper *vpnHelperProcess) kill() {
	helper.cmd.Process.Kill()
	helper.stdout.Close()
}

func NewExecVPNTransport(
	command []string, establishTimeout time.Duration) (*ExecVPNTransport, error) {

	if len(command) == 0 {
		return nil, errors.TraceNew("missing VPN helper command")
	}

	return &ExecVPNTransport{
		VPNConnectionStateMachine: NewVPNConnectionStateMachine(),
		command:                   command,
		establishTimeout:          establishTimeout,
	}, nil
}

// Establish implements VPNTransport.
func (transport *ExecVPNTransport) Establish(serverAddress, psk string) error {
	transport.mutex.Lock()
	defer transport.mutex.Unlock()

	transport.teardownSuspended = false
	transport.removeHelper()

	args := append(append([]string(nil), transport.command[1:]...), serverAddress, psk)
	cmd := exec.Command(transport.command[0], args...)
	cmd.WaitDelay = vpnHelperWaitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Trace(err)
	}

	transport.SetStarting()

	err = cmd.Start()
	if err != nil {
		transport.SetFailed(VPN_ERROR_CODE_HELPER_EXITED)
		transport.SetStopped()
		return errors.Trace(err)
	}

	helper := &vpnHelperProcess{
		cmd:    cmd,
		stdout: stdout,
		done:   make(chan struct{}),
	}
	transport.helper = helper

	go transport.monitorHelper(helper)
	go transport.enforceEstablishTimeout(helper)

	return nil
}

func (transport *ExecVPNTransport) monitorHelper(helper *vpnHelperProcess) {

	defer close(helper.done)

	scanner := bufio.NewScanner(helper.stdout)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "starting":
		case "connected":
			localTunnelAddress := ""
			if len(fields) > 1 {
				localTunnelAddress = fields[1]
			}
			transport.SetConnected(localTunnelAddress)
		case "failed":
			errorCode := VPN_ERROR_CODE_HELPER_EXITED
			if len(fields) > 1 {
				if code, err := strconv.Atoi(fields[1]); err == nil {
					errorCode = code
				}
			}
			transport.SetFailed(errorCode)
		default:
			NoticeInfo("VPN helper: %s", scanner.Text())
		}
	}

	err := helper.cmd.Wait()

	errorCode := VPN_ERROR_CODE_HELPER_EXITED
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() > 0 {
		errorCode = exitErr.ExitCode()
	}

	// A helper exiting while starting is a failed attempt; exiting while
	// connected is a disconnect.
	if !transport.SetFailed(errorCode) && transport.GetState() == VPNConnectionStateConnected {
		transport.SetStopped()
	}
}

func (transport *ExecVPNTransport) enforceEstablishTimeout(helper *vpnHelperProcess) {
	timer := time.NewTimer(transport.establishTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		if transport.SetFailed(VPN_ERROR_CODE_ESTABLISH_TIMEOUT) {
			NoticeWarning("VPN establish timed out")
			helper.kill()
		}
	case <-helper.done:
	}
}

// Remove implements VPNTransport.
func (transport *ExecVPNTransport) Remove() {
	transport.mutex.Lock()
	defer transport.mutex.Unlock()

	if transport.teardownSuspended {
		return
	}
	transport.removeHelper()
}

func (transport *ExecVPNTransport) removeHelper() {
	if transport.helper != nil {
		transport.helper.kill()
		<-transport.helper.done
		transport.helper = nil
	}
	transport.SetStopped()
}

// SuspendTeardownForUpgrade implements VPNTransport.
func (transport *ExecVPNTransport) SuspendTeardownForUpgrade() {
	transport.mutex.Lock()
	defer transport.mutex.Unlock()

	transport.teardownSuspended = true
}
