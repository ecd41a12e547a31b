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
	"sync"
)

// VPNConnectionStateMachine holds VPN transport state and wakes waiters on
// each change. VPN transport implementations embed it.
type VPNConnectionStateMachine struct {
	mutex              sync.Mutex
	state              VPNConnectionState
	lastErrorCode      int
	localTunnelAddress string
	broadcaster        *stateChangeBroadcaster
}

func NewVPNConnectionStateMachine() *VPNConnectionStateMachine {
	return &VPNConnectionStateMachine{
		state:       VPNConnectionStateStopped,
		broadcaster: newStateChangeBroadcaster(),
	}
}

func (m *VPNConnectionStateMachine) GetState() VPNConnectionState {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

func (m *VPNConnectionStateMachine) StateChangeSignal() <-chan struct{} {
	return m.broadcaster.Signal()
}

func (m *VPNConnectionStateMachine) GetLastErrorCode() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.lastErrorCode
}

func (m *VPNConnectionStateMachine) GetLocalTunnelAddress() string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.localTunnelAddress
}

// SetStarting begins a new connection attempt, clearing the previous
// attempt's error code and address.
func (m *VPNConnectionStateMachine) SetStarting() {
	m.mutex.Lock()
	m.state = VPNConnectionStateStarting
	m.lastErrorCode = 0
	m.localTunnelAddress = ""
	m.mutex.Unlock()
	m.broadcaster.Broadcast()
}

// SetConnected moves a starting connection to connected.
func (m *VPNConnectionStateMachine) SetConnected(localTunnelAddress string) bool {
	m.mutex.Lock()
	if m.state != VPNConnectionStateStarting {
		m.mutex.Unlock()
		return false
	}
	m.state = VPNConnectionStateConnected
	m.localTunnelAddress = localTunnelAddress
	m.mutex.Unlock()
	m.broadcaster.Broadcast()
	return true
}

// SetFailed moves a starting connection to failed.
func (m *VPNConnectionStateMachine) SetFailed(errorCode int) bool {
	m.mutex.Lock()
	if m.state != VPNConnectionStateStarting {
		m.mutex.Unlock()
		return false
	}
	m.state = VPNConnectionStateFailed
	m.lastErrorCode = errorCode
	m.mutex.Unlock()
	m.broadcaster.Broadcast()
	return true
}

// SetStopped ends any connection. The last error code is retained.
func (m *VPNConnectionStateMachine) SetStopped() {
	m.mutex.Lock()
	if m.state == VPNConnectionStateStopped {
		m.mutex.Unlock()
		return
	}
	m.state = VPNConnectionStateStopped
	m.localTunnelAddress = ""
	m.mutex.Unlock()
	m.broadcaster.Broadcast()
}
