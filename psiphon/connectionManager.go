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

// Package psiphon implements the connection core of a Psiphon client. The
// main type is ConnectionManager, which selects servers from a
// ServerDirectory, performs the Psiphon API handshake, installs client
// upgrades, and establishes a VPN connection or, failing that, an SSH tunnel.
package psiphon

import (
	"context"
	"fmt"
	"sync"

	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/protocol"
	"golang.org/x/time/rate"
)

// ConnectionManagerState is the overall connection status.
type ConnectionManagerState int

const (
	ConnectionManagerStateStopped ConnectionManagerState = iota
	ConnectionManagerStateStarting
	ConnectionManagerStateConnectedVPN
	ConnectionManagerStateConnectedSSH
)

func (state ConnectionManagerState) String() string {
	switch state {
	case ConnectionManagerStateStopped:
		return "Stopped"
	case ConnectionManagerStateStarting:
		return "Starting"
	case ConnectionManagerStateConnectedVPN:
		return "ConnectedVPN"
	case ConnectionManagerStateConnectedSSH:
		return "ConnectedSSH"
	}
	return fmt.Sprintf("ConnectionManagerState(%d)", int(state))
}

// attemptOutcome is the result of each step of a connection attempt. Only
// outcomeAbort and outcomeTryNextServer change the worker's control flow;
// all other failures are logged where they occur.
type attemptOutcome int

const (
	// outcomeSuccess: proceed; or, from a transport attempt, connected and
	// since disconnected.
	outcomeSuccess attemptOutcome = iota

	// outcomeAbort: stop the whole session without trying another server.
	outcomeAbort

	// outcomeTryNextServer: mark the current server failed and try the next.
	outcomeTryNextServer

	// outcomeUpgradeInstalled: the upgraded executable is running and this
	// process is terminating.
	outcomeUpgradeInstalled
)

// ConnectionManagerComponents are the collaborators of a ConnectionManager.
// Directory and Gateway are required, as is the transport for each
// configured transport strategy.
type ConnectionManagerComponents struct {
	Directory *ServerDirectory
	Gateway   RemoteRequestGateway
	VPN       VPNTransport
	SSH       SSHTransport

	// StopFlag is shared with collaborators which must observe a stop. When
	// nil, a new flag is created.
	StopFlag *CancelFlag

	// HomePages defaults to NoticeHomePageLauncher.
	HomePages HomePageLauncher

	// Tweaker defaults to no tweaks.
	Tweaker EnvironmentTweaker

	// Upgrader, when nil, disables upgrades; an available upgrade is only
	// reported.
	Upgrader *Upgrader

	// PlatformCheck defaults to CheckVPNPlatformSupport with the configured
	// minimum version.
	PlatformCheck func() error
}

// ConnectionManager runs connection sessions. Start spawns a worker which
// loops over servers until one connects and then disconnects, the session
// is aborted, or Stop is called. At most one worker exists at a time.
//
// The worker does not hold the manager's mutex across its long running
// steps, so that Stop remains responsive; the mutex guards each individual
// read or write of shared state. The stop flag is accessed without the
// mutex.
type ConnectionManager struct {
	config        *Config
	directory     *ServerDirectory
	gateway       RemoteRequestGateway
	vpn           VPNTransport
	ssh           SSHTransport
	homePages     HomePageLauncher
	tweaker       EnvironmentTweaker
	upgrader      *Upgrader
	platformCheck func() error
	strategies    []transportStrategy
	stopFlag      *CancelFlag
	pacer         *rate.Limiter

	// lifecycleMutex serializes Start and Stop.
	lifecycleMutex sync.Mutex

	mutex        sync.Mutex
	state        ConnectionManagerState
	stateChanges *stateChangeBroadcaster
	workerDone   chan struct{}
	session      *SessionInfo
}

func NewConnectionManager(
	config *Config,
	components *ConnectionManagerComponents) (*ConnectionManager, error) {

	if components.Directory == nil {
		return nil, errors.TraceNew("missing server directory")
	}
	if components.Gateway == nil {
		return nil, errors.TraceNew("missing remote request gateway")
	}

	manager := &ConnectionManager{
		config:        config,
		directory:     components.Directory,
		gateway:       components.Gateway,
		vpn:           components.VPN,
		ssh:           components.SSH,
		homePages:     components.HomePages,
		tweaker:       components.Tweaker,
		upgrader:      components.Upgrader,
		platformCheck: components.PlatformCheck,
		stopFlag:      components.StopFlag,
		state:         ConnectionManagerStateStopped,
		stateChanges:  newStateChangeBroadcaster(),
	}

	if manager.stopFlag == nil {
		manager.stopFlag = NewCancelFlag()
	}
	if manager.homePages == nil {
		manager.homePages = &NoticeHomePageLauncher{}
	}
	if manager.tweaker == nil {
		manager.tweaker = NewCommandTweaker(nil, nil)
	}
	if manager.platformCheck == nil {
		minimumVersion := config.VPNPlatformMinimumVersion
		manager.platformCheck = func() error {
			return CheckVPNPlatformSupport(minimumVersion)
		}
	}

	for _, name := range config.TransportStrategies {
		switch name {
		case protocol.TRANSPORT_STRATEGY_VPN:
			if manager.vpn == nil {
				return nil, errors.TraceNew("missing VPN transport")
			}
			manager.strategies = append(manager.strategies, &vpnStrategy{manager: manager})
		case protocol.TRANSPORT_STRATEGY_SSH:
			if manager.ssh == nil {
				return nil, errors.TraceNew("missing SSH transport")
			}
			manager.strategies = append(manager.strategies, &sshStrategy{manager: manager})
		default:
			return nil, errors.Tracef("unknown transport strategy: %s", name)
		}
	}
	if len(manager.strategies) == 0 {
		return nil, errors.TraceNew("no transport strategies")
	}

	// Rotation is paced; a burst of the directory size allows one quick
	// pass over all servers.
	manager.pacer = rate.NewLimiter(
		rate.Limit(config.EstablishAttemptsPerSecond),
		max(1, components.Directory.Count()))

	return manager, nil
}

// GetState returns the current state, for status display.
func (manager *ConnectionManager) GetState() ConnectionManagerState {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return manager.state
}

// StateChangeSignal returns a channel that is closed on the next state
// change.
func (manager *ConnectionManager) StateChangeSignal() <-chan struct{} {
	return manager.stateChanges.Signal()
}

func (manager *ConnectionManager) setState(state ConnectionManagerState) {
	manager.mutex.Lock()
	changed := manager.state != state
	manager.state = state
	manager.mutex.Unlock()

	if changed {
		NoticeConnectionManagerState(state)
		manager.stateChanges.Broadcast()
	}
}

// Toggle starts a stopped manager and stops a running one.
func (manager *ConnectionManager) Toggle() {
	if manager.GetState() == ConnectionManagerStateStopped {
		manager.Start()
	} else {
		manager.Stop()
	}
}

// Start begins a new connection session. Any previous worker is stopped
// first. Start returns an error, without retrying, when the manager is left
// in an inconsistent state by a previous session.
func (manager *ConnectionManager) Start() error {
	manager.lifecycleMutex.Lock()
	defer manager.lifecycleMutex.Unlock()

	manager.stop()

	manager.mutex.Lock()
	if manager.state != ConnectionManagerStateStopped || manager.workerDone != nil {
		state := manager.state
		manager.mutex.Unlock()
		err := errors.Tracef("invalid connection manager state in Start: %s", state)
		NoticeError("%s", err)
		return err
	}
	manager.mutex.Unlock()

	manager.stopFlag.Reset()
	manager.setState(ConnectionManagerStateStarting)

	// Unlike thread creation, starting a goroutine can't fail, so there is
	// no revert to Stopped here.
	workerDone := make(chan struct{})
	manager.mutex.Lock()
	manager.workerDone = workerDone
	manager.mutex.Unlock()

	go func() {
		defer close(workerDone)
		manager.tryServers()
	}()

	return nil
}

// Stop requests a stop and blocks until the worker has exited. Stop may be
// called any number of times; on a stopped manager it returns immediately.
func (manager *ConnectionManager) Stop() {
	manager.lifecycleMutex.Lock()
	defer manager.lifecycleMutex.Unlock()

	manager.stop()
}

func (manager *ConnectionManager) stop() {

	manager.stopFlag.Set()

	manager.mutex.Lock()
	workerDone := manager.workerDone
	manager.mutex.Unlock()

	if workerDone == nil {
		return
	}

	<-workerDone

	manager.mutex.Lock()
	manager.workerDone = nil
	manager.mutex.Unlock()
}

// tryServers is the worker. Each iteration selects the next server and
// attempts a connection; the loop ends on success, abort, upgrade or stop.
func (manager *ConnectionManager) tryServers() {

	for {
		outcome := outcomeAbort
		if manager.paceAttempt() {
			outcome = manager.attemptServer()
		}

		switch outcome {

		case outcomeSuccess:
			manager.teardownTransports()
			NoticeInfo("connection session ended")
			return

		case outcomeUpgradeInstalled:
			// The state remains Starting: the process is terminating.
			return

		case outcomeAbort:
			manager.teardownTransports()
			manager.setState(ConnectionManagerStateStopped)
			return

		case outcomeTryNextServer:
			manager.teardownTransports()
			err := manager.directory.MarkCurrentServerFailed()
			if err != nil {
				NoticeWarning("mark server failed: %s", errors.Trace(err))
			}
		}
	}
}

// paceAttempt waits for the rotation rate limiter. Returns false when
// stopped.
func (manager *ConnectionManager) paceAttempt() bool {
	if manager.stopFlag.IsSet() {
		return false
	}
	reservation := manager.pacer.Reserve()
	if !manager.stopFlag.Sleep(reservation.Delay(), manager.config.GetWaitPollInterval()) {
		reservation.Cancel()
		return false
	}
	return true
}

// tweak runs a best effort environment tweak, bounded by
// TWEAK_COMMAND_TIMEOUT and interrupted by stop.
func (manager *ConnectionManager) tweak(
	name string, tweakFunc func(ctx context.Context) error) {

	ctx, cancelTimeout := context.WithTimeout(context.Background(), TWEAK_COMMAND_TIMEOUT)
	defer cancelTimeout()
	ctx, cancelStop := manager.stopFlag.Context(ctx, manager.config.GetWaitPollInterval())
	defer cancelStop()

	err := tweakFunc(ctx)
	if err != nil {
		NoticeWarning("%s tweak failed: %s", name, errors.Trace(err))
	}
}

func (manager *ConnectionManager) teardownTransports() {
	for _, strategy := range manager.strategies {
		strategy.teardown()
	}
}

func (manager *ConnectionManager) attemptServer() attemptOutcome {

	serverEntry, session, handshakeRequestPath, err := manager.loadNextServer()
	if err != nil {
		NoticeError("load next server failed: %s", errors.Trace(err))
		return outcomeAbort
	}

	NoticeConnectingServer(
		serverEntry.IpAddress, serverEntry.Region, protocol.CAPABILITY_HANDSHAKE)

	if !serverEntry.SupportsCapability(protocol.CAPABILITY_HANDSHAKE) {
		NoticeInfo("server %s does not support handshake", serverEntry.GetDiagnosticID())
		return outcomeTryNextServer
	}

	response, err := manager.request(serverEntry, handshakeRequestPath)
	if err != nil {
		if manager.stopFlag.IsSet() {
			return outcomeAbort
		}
		NoticeWarning("handshake failed: %s", errors.Trace(err))
		return outcomeTryNextServer
	}

	outcome := manager.handleHandshakeResponse(session, response)
	if outcome != outcomeSuccess {
		return outcome
	}

	if session.UpgradeVersion() != "" {
		outcome := manager.upgrade(serverEntry, session)
		if outcome != outcomeSuccess {
			return outcome
		}
	}

	return manager.attemptTransports(serverEntry, session)
}

// loadNextServer selects the next server and creates its session. The
// handshake request reports every known server address.
func (manager *ConnectionManager) loadNextServer() (
	*protocol.ServerEntry, *SessionInfo, string, error) {

	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	serverEntry, err := manager.directory.GetNextServer()
	if err != nil {
		return nil, nil, "", errors.Trace(err)
	}

	manager.session = NewSessionInfo(serverEntry)

	handshakeRequestPath := makeHandshakeRequestPath(
		manager.config, manager.session, manager.directory.KnownServerAddresses())

	return serverEntry, manager.session, handshakeRequestPath, nil
}

func (manager *ConnectionManager) request(
	serverEntry *protocol.ServerEntry, requestPath string) ([]byte, error) {

	return manager.gateway.Request(
		manager.stopFlag,
		serverEntry.IpAddress,
		serverEntry.WebServerPort,
		serverEntry.WebServerCertificate,
		requestPath)
}

// handleHandshakeResponse parses the response into the session and merges
// discovered servers. A merge failure is not fatal.
func (manager *ConnectionManager) handleHandshakeResponse(
	session *SessionInfo, response []byte) attemptOutcome {

	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	err := session.ParseHandshakeResponse(response)
	if err != nil {
		NoticeWarning("parse handshake response failed: %s", errors.Trace(err))
		return outcomeTryNextServer
	}

	added, err := manager.directory.AddEntries(session.DiscoveredServerEntries())
	if err != nil {
		NoticeWarning("add discovered servers failed: %s", errors.Trace(err))
	}
	if added > 0 {
		NoticeServerEntriesDiscovered(added)
	}

	return outcomeSuccess
}

// upgrade downloads and installs the required upgrade. A failed download or
// install proceeds with the current executable on the same server.
func (manager *ConnectionManager) upgrade(
	serverEntry *protocol.ServerEntry, session *SessionInfo) attemptOutcome {

	NoticeClientUpgradeAvailable(session.UpgradeVersion())

	if manager.upgrader == nil {
		return outcomeSuccess
	}

	manager.mutex.Lock()
	downloadRequestPath := makeDownloadRequestPath(manager.config, session)
	manager.mutex.Unlock()

	download, err := manager.request(serverEntry, downloadRequestPath)
	if err != nil {
		if manager.stopFlag.IsSet() {
			return outcomeAbort
		}
		NoticeWarning("upgrade download failed: %s", errors.Trace(err))
		return outcomeSuccess
	}

	var suspendTeardown func()
	if manager.vpn != nil {
		suspendTeardown = manager.vpn.SuspendTeardownForUpgrade
	}

	if manager.upgrader.Upgrade(download, suspendTeardown) {
		return outcomeUpgradeInstalled
	}

	return outcomeSuccess
}

// attemptTransports tries each transport strategy in order on the same
// server. A strategy that returns outcomeTryNextServer is torn down and the
// next strategy is tried; the last strategy's outcome is returned as is.
func (manager *ConnectionManager) attemptTransports(
	serverEntry *protocol.ServerEntry, session *SessionInfo) attemptOutcome {

	for i, strategy := range manager.strategies {

		NoticeConnectingServer(serverEntry.IpAddress, serverEntry.Region, strategy.name())

		outcome := strategy.attempt(serverEntry, session)
		if outcome == outcomeTryNextServer && i < len(manager.strategies)-1 {
			strategy.teardown()
			continue
		}
		return outcome
	}

	return outcomeTryNextServer
}

func (manager *ConnectionManager) openHomePages(session *SessionInfo) {
	manager.mutex.Lock()
	homepages := session.Homepages()
	manager.mutex.Unlock()

	manager.homePages.OpenHomePages(homepages)
}
