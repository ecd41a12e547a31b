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
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/protocol"
	"github.com/stretchr/testify/require"
)

type threadSafeBuffer struct {
	mutex  sync.Mutex
	buffer *bytes.Buffer
}

func (b *threadSafeBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buffer.Write(p)
}

func makeTestServerEntry(index int, capabilities ...string) *protocol.ServerEntry {
	return &protocol.ServerEntry{
		IpAddress:       fmt.Sprintf("192.0.2.%d", index),
		WebServerPort:   "8080",
		WebServerSecret: fmt.Sprintf("secret-%d", index),
		SshPort:         22,
		SshUsername:     "psiphon",
		SshPassword:     fmt.Sprintf("password-%d", index),
		Capabilities:    capabilities,
		Region:          "CA",
	}
}

func makeTestServerEntries(count int) []*protocol.ServerEntry {
	serverEntries := make([]*protocol.ServerEntry, count)
	for i := range serverEntries {
		serverEntries[i] = makeTestServerEntry(i + 1)
	}
	return serverEntries
}

func encodeTestServerEntry(t *testing.T, serverEntry *protocol.ServerEntry) string {
	encoded, err := protocol.EncodeServerEntry(serverEntry)
	require.NoError(t, err)
	return encoded
}

func newTestConfig(t *testing.T, transportStrategies ...string) *Config {
	strategies := `["VPN", "SSH"]`
	if len(transportStrategies) > 0 {
		strategies = `["` + strings.Join(transportStrategies, `", "`) + `"]`
	}
	config, err := LoadConfig([]byte(fmt.Sprintf(`
    {
        "PropagationChannelId" : "test-channel",
        "SponsorId" : "test-sponsor",
        "ClientVersion" : "100",
        "DataStoreDirectory" : %q,
        "TransportStrategies" : %s,
        "WaitPollIntervalMilliseconds" : 10,
        "FailedVPNBackoffMinMilliseconds" : 0,
        "FailedVPNBackoffMaxMilliseconds" : 20,
        "EstablishAttemptsPerSecond" : 1000
    }`, t.TempDir(), strategies)))
	require.NoError(t, err)
	return config
}

type fakeRequest struct {
	serverAddress string
	requestPath   string
}

// fakeGateway answers handshakes with a scripted response per server
// address; servers with no response fail the handshake. Connected and failed
// requests always succeed.
type fakeGateway struct {
	mutex      sync.Mutex
	handshakes map[string]string
	download   []byte
	requests   []fakeRequest

	// Requests are sequential within a worker, so more than one active
	// request means more than one worker.
	active    int
	maxActive int

	// handshakeStarted, when not nil, receives the server address of each
	// handshake, and the handshake then blocks until the stop flag is set.
	handshakeStarted chan string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{handshakes: make(map[string]string)}
}

func (gateway *fakeGateway) setHandshake(serverAddress, response string) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.handshakes[serverAddress] = response
}

func (gateway *fakeGateway) Request(
	stopFlag *CancelFlag,
	serverAddress, webServerPort, webServerCertificate, requestPath string) ([]byte, error) {

	gateway.mutex.Lock()
	gateway.requests = append(gateway.requests, fakeRequest{serverAddress, requestPath})
	gateway.active += 1
	gateway.maxActive = max(gateway.maxActive, gateway.active)
	response, hasHandshake := gateway.handshakes[serverAddress]
	download := gateway.download
	handshakeStarted := gateway.handshakeStarted
	gateway.mutex.Unlock()

	defer func() {
		gateway.mutex.Lock()
		gateway.active -= 1
		gateway.mutex.Unlock()
	}()

	switch {

	case strings.HasPrefix(requestPath, protocol.PSIPHON_API_HANDSHAKE_REQUEST_PATH):
		if handshakeStarted != nil {
			handshakeStarted <- serverAddress
			for stopFlag.WaitForSignal(nil, testPollInterval) {
			}
			return nil, errors.TraceNew("stopped")
		}
		if !hasHandshake {
			return nil, errors.TraceNew("handshake failed")
		}
		return []byte(response), nil

	case strings.HasPrefix(requestPath, protocol.PSIPHON_API_DOWNLOAD_REQUEST_PATH):
		if download == nil {
			return nil, errors.TraceNew("download failed")
		}
		return download, nil
	}

	return nil, nil
}

// requestAddresses returns, in order, the server address of each request
// whose path has the prefix.
func (gateway *fakeGateway) requestAddresses(pathPrefix string) []string {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	var addresses []string
	for _, request := range gateway.requests {
		if strings.HasPrefix(request.requestPath, pathPrefix) {
			addresses = append(addresses, request.serverAddress)
		}
	}
	return addresses
}

func (gateway *fakeGateway) maxActiveRequests() int {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	return gateway.maxActive
}

func (gateway *fakeGateway) requestPaths(pathPrefix string) []string {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	var paths []string
	for _, request := range gateway.requests {
		if strings.HasPrefix(request.requestPath, pathPrefix) {
			paths = append(paths, request.requestPath)
		}
	}
	return paths
}

const (
	testPollInterval     = WAIT_POLL_INTERVAL / 10
	fakeVPNErrorCode     = 809
	fakeVPNTunnelAddress = "10.0.0.2"
)

// fakeVPN connects to servers in connectable and fails all others.
type fakeVPN struct {
	*VPNConnectionStateMachine

	mutex             sync.Mutex
	connectable       map[string]bool
	establishErr      error
	establishes       []string
	removes           int
	teardownSuspended bool
}

func newFakeVPN() *fakeVPN {
	return &fakeVPN{
		VPNConnectionStateMachine: NewVPNConnectionStateMachine(),
		connectable:               make(map[string]bool),
	}
}

func (vpn *fakeVPN) setConnectable(serverAddress string) {
	vpn.mutex.Lock()
	defer vpn.mutex.Unlock()
	vpn.connectable[serverAddress] = true
}

func (vpn *fakeVPN) Establish(serverAddress, psk string) error {
	vpn.mutex.Lock()
	vpn.establishes = append(vpn.establishes, serverAddress)
	establishErr := vpn.establishErr
	connectable := vpn.connectable[serverAddress]
	vpn.mutex.Unlock()

	if establishErr != nil {
		return establishErr
	}

	vpn.SetStarting()
	go func() {
		if connectable {
			vpn.SetConnected(fakeVPNTunnelAddress)
		} else {
			vpn.SetFailed(fakeVPNErrorCode)
		}
	}()
	return nil
}

func (vpn *fakeVPN) Remove() {
	vpn.mutex.Lock()
	vpn.removes += 1
	suspended := vpn.teardownSuspended
	vpn.mutex.Unlock()

	if !suspended {
		vpn.SetStopped()
	}
}

func (vpn *fakeVPN) SuspendTeardownForUpgrade() {
	vpn.mutex.Lock()
	defer vpn.mutex.Unlock()
	vpn.teardownSuspended = true
}

func (vpn *fakeVPN) establishAddresses() []string {
	vpn.mutex.Lock()
	defer vpn.mutex.Unlock()
	return append([]string(nil), vpn.establishes...)
}

// fakeSSH connects to servers in connectable. A connected tunnel stays up
// until drop is called or the stop flag is set.
type fakeSSH struct {
	stopFlag *CancelFlag

	mutex       sync.Mutex
	connectable map[string]bool
	connects    []string
	disconnects int
	dropped     chan struct{}
}

func newFakeSSH(stopFlag *CancelFlag) *fakeSSH {
	return &fakeSSH{
		stopFlag:    stopFlag,
		connectable: make(map[string]bool),
		dropped:     make(chan struct{}),
	}
}

func (ssh *fakeSSH) setConnectable(serverAddress string) {
	ssh.mutex.Lock()
	defer ssh.mutex.Unlock()
	ssh.connectable[serverAddress] = true
}

func (ssh *fakeSSH) Connect(
	serverAddress string, serverPort int, hostKey, username, password string) error {

	ssh.mutex.Lock()
	defer ssh.mutex.Unlock()
	ssh.connects = append(ssh.connects, serverAddress)
	if !ssh.connectable[serverAddress] {
		return errors.Tracef("connect to %s failed", serverAddress)
	}
	return nil
}

func (ssh *fakeSSH) WaitForConnected() error {
	return nil
}

func (ssh *fakeSSH) WaitAndDisconnect() {
	for ssh.stopFlag.WaitForSignal(ssh.dropped, testPollInterval) {
		select {
		case <-ssh.dropped:
			ssh.Disconnect()
			return
		default:
		}
	}
	ssh.Disconnect()
}

func (ssh *fakeSSH) Disconnect() {
	ssh.mutex.Lock()
	defer ssh.mutex.Unlock()
	ssh.disconnects += 1
}

func (ssh *fakeSSH) drop() {
	close(ssh.dropped)
}

func (ssh *fakeSSH) connectAddresses() []string {
	ssh.mutex.Lock()
	defer ssh.mutex.Unlock()
	return append([]string(nil), ssh.connects...)
}

type recordingHomePageLauncher struct {
	mutex sync.Mutex
	urls  [][]string
}

func (launcher *recordingHomePageLauncher) OpenHomePages(urls []string) {
	launcher.mutex.Lock()
	defer launcher.mutex.Unlock()
	launcher.urls = append(launcher.urls, urls)
}

func (launcher *recordingHomePageLauncher) opened() [][]string {
	launcher.mutex.Lock()
	defer launcher.mutex.Unlock()
	return append([][]string(nil), launcher.urls...)
}

// fakeTweaker counts tweaks. When vpnTweakStarted is set, TweakVPN sends on
// it and blocks until ctx is done.
type fakeTweaker struct {
	mutex           sync.Mutex
	err             error
	vpnTweaks       int
	dnsTweaks       int
	vpnTweakStarted chan struct{}
	vpnTweakErr     error
}

func (tweaker *fakeTweaker) TweakVPN(ctx context.Context) error {
	tweaker.mutex.Lock()
	tweaker.vpnTweaks += 1
	started := tweaker.vpnTweakStarted
	err := tweaker.err
	tweaker.mutex.Unlock()

	if started != nil {
		started <- struct{}{}
		<-ctx.Done()
		tweaker.mutex.Lock()
		tweaker.vpnTweakErr = ctx.Err()
		tweaker.mutex.Unlock()
		return errors.Trace(ctx.Err())
	}
	return err
}

func (tweaker *fakeTweaker) TweakDNS(ctx context.Context) error {
	tweaker.mutex.Lock()
	defer tweaker.mutex.Unlock()
	tweaker.dnsTweaks += 1
	return tweaker.err
}

type memoryServerEntryStore struct {
	mutex         sync.Mutex
	serverEntries []*protocol.ServerEntry
	stores        int
}

func (store *memoryServerEntryStore) LoadServerEntries() ([]*protocol.ServerEntry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return append([]*protocol.ServerEntry(nil), store.serverEntries...), nil
}

func (store *memoryServerEntryStore) StoreServerEntries(
	serverEntries []*protocol.ServerEntry) error {

	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.serverEntries = append([]*protocol.ServerEntry(nil), serverEntries...)
	store.stores += 1
	return nil
}

func (store *memoryServerEntryStore) addresses() []string {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var addresses []string
	for _, serverEntry := range store.serverEntries {
		addresses = append(addresses, serverEntry.IpAddress)
	}
	return addresses
}

// failingServerEntryStore loads its entries but fails every store.
type failingServerEntryStore struct {
	serverEntries []*protocol.ServerEntry
}

func (store *failingServerEntryStore) LoadServerEntries() ([]*protocol.ServerEntry, error) {
	return append([]*protocol.ServerEntry(nil), store.serverEntries...), nil
}

func (store *failingServerEntryStore) StoreServerEntries([]*protocol.ServerEntry) error {
	return errors.TraceNew("store failed")
}

func serverAddresses(serverEntries []*protocol.ServerEntry) []string {
	addresses := make([]string, len(serverEntries))
	for i, serverEntry := range serverEntries {
		addresses[i] = serverEntry.IpAddress
	}
	return addresses
}
