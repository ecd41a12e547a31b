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
	std_errors "errors"
	"fmt"
)

// VPNConnectionState is the state of the VPN transport.
type VPNConnectionState int

const (
	VPNConnectionStateStopped VPNConnectionState = iota
	VPNConnectionStateStarting
	VPNConnectionStateConnected
	VPNConnectionStateFailed
)

func (state VPNConnectionState) String() string {
	switch state {
	case VPNConnectionStateStopped:
		return "Stopped"
	case VPNConnectionStateStarting:
		return "Starting"
	case VPNConnectionStateConnected:
		return "Connected"
	case VPNConnectionStateFailed:
		return "Failed"
	}
	return fmt.Sprintf("VPNConnectionState(%d)", int(state))
}

// VPNTransport is the platform VPN connection. The connection manager drives
// it from its worker and reads its state from the foreground.
type VPNTransport interface {

	// Establish starts a connection to the server and returns once the
	// attempt has started; the outcome is observed through GetState.
	// An Establish error is a local failure and is never attributed to
	// the server.
	Establish(serverAddress, psk string) error

	GetState() VPNConnectionState

	// StateChangeSignal returns a channel that is closed on the next state
	// change.
	StateChangeSignal() <-chan struct{}

	// GetLastErrorCode returns the platform error code of the last failed
	// connection attempt.
	GetLastErrorCode() int

	// GetLocalTunnelAddress returns the address assigned to this end of
	// the tunnel.
	GetLocalTunnelAddress() string

	// Remove tears down any connection, unless teardown is suspended.
	Remove()

	// SuspendTeardownForUpgrade leaves the connection up across Remove so
	// the upgraded process can take it over. The suspension ends on the
	// next Establish.
	SuspendTeardownForUpgrade()
}

// ErrLocalTransportFailure marks a transport error caused by a local
// condition, such as a local proxy port that can't be bound. Trying another
// server won't help.
var ErrLocalTransportFailure = std_errors.New("local transport failure")

// SSHTransport is the SSH tunnel transport.
type SSHTransport interface {

	// Connect starts a connection attempt. A Connect or WaitForConnected
	// error is treated as a network failure attributable to the server,
	// unless it wraps ErrLocalTransportFailure.
	Connect(serverAddress string, serverPort int, hostKey, username, password string) error

	WaitForConnected() error

	// WaitAndDisconnect blocks until the tunnel fails or a stop is
	// requested and then disconnects.
	WaitAndDisconnect()

	Disconnect()
}

// RemoteRequestGateway makes Psiphon API requests to a server's web server.
// Request failure is returned as an error and is never fatal in itself.
// Implementations poll stopFlag so a stop interrupts a request within one
// poll interval.
type RemoteRequestGateway interface {
	Request(
		stopFlag *CancelFlag,
		serverAddress, webServerPort, webServerCertificate, requestPath string) ([]byte, error)
}

// HomePageLauncher opens sponsor home pages. Failures are not reported.
type HomePageLauncher interface {
	OpenHomePages(urls []string)
}

// EnvironmentTweaker adjusts host settings before a VPN connection and after
// it connects. Failures are logged and never prevent a connection attempt.
// A tweak must return once ctx is done.
type EnvironmentTweaker interface {
	TweakVPN(ctx context.Context) error
	TweakDNS(ctx context.Context) error
}
