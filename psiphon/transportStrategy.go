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
	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/prng"
	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/protocol"
)

// transportStrategy is one way of connecting to a server. Strategies are
// attempted in order for each server, sharing the server's session.
type transportStrategy interface {
	name() string

	// attempt connects and, on success, blocks until the connection ends.
	attempt(serverEntry *protocol.ServerEntry, session *SessionInfo) attemptOutcome

	// teardown releases any partial or complete connection. It may be
	// called when no connection exists.
	teardown()
}

type vpnStrategy struct {
	manager *ConnectionManager
}

func (strategy *vpnStrategy) name() string {
	return protocol.TRANSPORT_STRATEGY_VPN
}

func (strategy *vpnStrategy) attempt(
	serverEntry *protocol.ServerEntry, session *SessionInfo) attemptOutcome {

	manager := strategy.manager
	vpn := manager.vpn

	// An unsupported platform is a local condition: other servers won't help.
	err := manager.platformCheck()
	if err != nil {
		NoticeError("VPN not supported: %s", errors.Trace(err))
		return outcomeAbort
	}

	if !serverEntry.SupportsCapability(protocol.CAPABILITY_VPN) {
		NoticeInfo("server %s does not support VPN", serverEntry.GetDiagnosticID())
		return outcomeTryNextServer
	}

	manager.tweak("VPN", manager.tweaker.TweakVPN)

	manager.mutex.Lock()
	serverAddress := session.ServerAddress()
	psk := session.PSK()
	manager.mutex.Unlock()

	err = vpn.Establish(serverAddress, psk)
	if err != nil {
		NoticeError("VPN establish failed: %s", errors.Trace(err))
		return outcomeAbort
	}

	state, ok := strategy.waitWhileState(VPNConnectionStateStarting)
	if !ok {
		return outcomeAbort
	}

	if state != VPNConnectionStateConnected {

		errorCode := vpn.GetLastErrorCode()
		NoticeWarning("VPN connection failed: state %s, error code %d", state, errorCode)

		manager.mutex.Lock()
		failedRequestPath := makeFailedRequestPath(manager.config, session, errorCode)
		manager.mutex.Unlock()

		_, err := manager.request(serverEntry, failedRequestPath)
		if err != nil {
			NoticeWarning("failed request failed: %s", errors.Trace(err))
		}

		// Jitter the retry so that clients failing together, for example
		// when the PSK rotates, don't all retry together.
		backoffMin, backoffMax := manager.config.GetFailedVPNBackoff()
		if !manager.stopFlag.Sleep(
			prng.Period(backoffMin, backoffMax), manager.config.GetWaitPollInterval()) {
			return outcomeAbort
		}

		return outcomeTryNextServer
	}

	manager.setState(ConnectionManagerStateConnectedVPN)
	NoticeActiveTransport(serverAddress, strategy.name())

	manager.tweak("DNS", manager.tweaker.TweakDNS)

	manager.openHomePages(session)

	manager.mutex.Lock()
	connectedRequestPath := makeConnectedRequestPath(
		manager.config, session, vpn.GetLocalTunnelAddress())
	manager.mutex.Unlock()

	_, err = manager.request(serverEntry, connectedRequestPath)
	if err != nil {
		NoticeWarning("connected request failed: %s", errors.Trace(err))
	}

	_, ok = strategy.waitWhileState(VPNConnectionStateConnected)
	if !ok {
		return outcomeAbort
	}

	NoticeInfo("VPN disconnected")
	manager.setState(ConnectionManagerStateStopped)

	return outcomeSuccess
}

// waitWhileState blocks until the VPN leaves state and returns the new
// state. Returns false when stopped.
func (strategy *vpnStrategy) waitWhileState(
	state VPNConnectionState) (VPNConnectionState, bool) {

	manager := strategy.manager
	for {
		signal := manager.vpn.StateChangeSignal()
		current := manager.vpn.GetState()
		if current != state {
			return current, true
		}
		if !manager.stopFlag.WaitForSignal(signal, manager.config.GetWaitPollInterval()) {
			return current, false
		}
	}
}

func (strategy *vpnStrategy) teardown() {
	strategy.manager.vpn.Remove()
}

type sshStrategy struct {
	manager *ConnectionManager
}

func (strategy *sshStrategy) name() string {
	return protocol.TRANSPORT_STRATEGY_SSH
}

func (strategy *sshStrategy) attempt(
	serverEntry *protocol.ServerEntry, session *SessionInfo) attemptOutcome {

	manager := strategy.manager
	ssh := manager.ssh

	manager.mutex.Lock()
	serverAddress := session.ServerAddress()
	port := session.SSHPort()
	hostKey := session.SSHHostKey()
	username := session.SSHUsername()
	password := session.SSHPassword()
	manager.mutex.Unlock()

	if port == 0 {
		NoticeInfo("server %s has no SSH port", serverEntry.GetDiagnosticID())
		return outcomeTryNextServer
	}

	err := ssh.Connect(serverAddress, port, hostKey, username, password)
	if err == nil {
		err = ssh.WaitForConnected()
	}
	if err != nil {
		if manager.stopFlag.IsSet() {
			return outcomeAbort
		}
		if errors.Is(err, ErrLocalTransportFailure) {
			NoticeError("SSH connection failed locally: %s", errors.Trace(err))
			return outcomeAbort
		}
		NoticeWarning("SSH connection failed: %s", errors.Trace(err))
		return outcomeTryNextServer
	}

	manager.setState(ConnectionManagerStateConnectedSSH)
	NoticeActiveTransport(serverAddress, strategy.name())

	manager.openHomePages(session)

	// Returns on disconnect or stop; either way the session is over.
	ssh.WaitAndDisconnect()

	manager.setState(ConnectionManagerStateStopped)

	return outcomeSuccess
}

func (strategy *sshStrategy) teardown() {
	strategy.manager.ssh.Disconnect()
}
