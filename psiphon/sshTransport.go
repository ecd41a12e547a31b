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
	"encoding/base64"
	std_errors "errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	socks "github.com/Psiphon-Labs/goptlib"
	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/errors"
	"github.com/elazarl/goproxy"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// SSHTunnel is the SSHTransport. Once connected, it runs a local SOCKS
// proxy and a local HTTP proxy, each of which relays client connections
// through SSH port forwards.
type SSHTunnel struct {
	stopFlag            *CancelFlag
	pollInterval        time.Duration
	connectTimeout      time.Duration
	localSocksProxyPort int
	localHttpProxyPort  int

	mutex         sync.Mutex
	cancelDial    context.CancelFunc
	dialResult    chan sshDialResult
	activeSession *sshTunnelSession
}

type sshDialResult struct {
	client *ssh.Client
	err    error
}

// sshTunnelSession is one established SSH connection and its proxies.
type sshTunnelSession struct {
	client        *ssh.Client
	socksListener *socks.SocksListener
	httpListener  net.Listener
	httpServer    *http.Server
	proxies       *errgroup.Group
	failed        chan struct{}
	failOnce      sync.Once
}

func NewSSHTunnel(config *Config, stopFlag *CancelFlag) *SSHTunnel {
	return &SSHTunnel{
		stopFlag:            stopFlag,
		pollInterval:        config.GetWaitPollInterval(),
		connectTimeout:      config.GetSSHConnectTimeout(),
		localSocksProxyPort: config.LocalSocksProxyPort,
		localHttpProxyPort:  config.LocalHttpProxyPort,
	}
}

// Connect implements SSHTransport. The dial and SSH handshake run in the
// background; WaitForConnected receives the result.
func (tunnel *SSHTunnel) Connect(
	serverAddress string,
	serverPort int,
	hostKey, username, password string) error {

	publicKey, err := decodeSSHHostKey(hostKey)
	if err != nil {
		return errors.Trace(err)
	}

	tunnel.mutex.Lock()
	defer tunnel.mutex.Unlock()

	if tunnel.cancelDial != nil || tunnel.activeSession != nil {
		return errors.TraceNew("already connected")
	}

	sshConfig := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.FixedHostKey(publicKey),
	}

	ctx, cancelFunc := context.WithTimeout(context.Background(), tunnel.connectTimeout)
	dialResult := make(chan sshDialResult, 1)

	tunnel.cancelDial = cancelFunc
	tunnel.dialResult = dialResult

	go func() {
		client, err := dialSSH(
			ctx, net.JoinHostPort(serverAddress, strconv.Itoa(serverPort)), sshConfig)
		dialResult <- sshDialResult{client: client, err: err}
	}()

	return nil
}

// decodeSSHHostKey parses a base64 encoded SSH wire format public key.
func decodeSSHHostKey(hostKey string) (ssh.PublicKey, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(hostKey)
	if err != nil {
		return nil, errors.Trace(err)
	}
	publicKey, err := ssh.ParsePublicKey(keyBytes)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return publicKey, nil
}

func dialSSH(
	ctx context.Context, addr string, sshConfig *ssh.ClientConfig) (*ssh.Client, error) {

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Trace(err)
	}

	// Interrupt the SSH handshake on timeout or cancel
	stopAfter := context.AfterFunc(ctx, func() { conn.Close() })

	sshConn, channels, requests, err := ssh.NewClientConn(conn, addr, sshConfig)

	if !stopAfter() && err == nil {
		err = ctx.Err()
		sshConn.Close()
	}
	if err != nil {
		conn.Close()
		return nil, errors.Trace(err)
	}

	return ssh.NewClient(sshConn, channels, requests), nil
}

// WaitForConnected implements SSHTransport. Once the SSH connection is
// established, the local proxies are started; a proxy that fails to start
// fails the connection with ErrLocalTransportFailure.
func (tunnel *SSHTunnel) WaitForConnected() error {

	tunnel.mutex.Lock()
	dialResult := tunnel.dialResult
	cancelDial := tunnel.cancelDial
	tunnel.dialResult = nil
	tunnel.mutex.Unlock()

	if dialResult == nil {
		return errors.TraceNew("not connecting")
	}

	var result sshDialResult
	for received := false; !received; {
		select {
		case result = <-dialResult:
			received = true
		case <-time.After(tunnel.pollInterval):
			if tunnel.stopFlag.IsSet() {
				cancelDial()
				result = <-dialResult
				if result.client != nil {
					result.client.Close()
				}
				tunnel.clearDial()
				return errors.TraceNew("stopped")
			}
		}
	}

	tunnel.clearDial()

	if result.err != nil {
		return errors.Trace(result.err)
	}

	session, err := tunnel.startSession(result.client)
	if err != nil {
		result.client.Close()
		return errors.Trace(err)
	}

	tunnel.mutex.Lock()
	tunnel.activeSession = session
	tunnel.mutex.Unlock()

	return nil
}

func (tunnel *SSHTunnel) clearDial() {
	tunnel.mutex.Lock()
	defer tunnel.mutex.Unlock()
	if tunnel.cancelDial != nil {
		tunnel.cancelDial()
	}
	tunnel.cancelDial = nil
}

func (tunnel *SSHTunnel) startSession(client *ssh.Client) (*sshTunnelSession, error) {

	session := &sshTunnelSession{
		client: client,
		failed: make(chan struct{}),
	}

	socksListener, err := socks.ListenSocks(
		"tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(tunnel.localSocksProxyPort)))
	if err != nil {
		return nil, errors.Tracef("%w: SOCKS proxy: %w", ErrLocalTransportFailure, err)
	}

	httpListener, err := net.Listen(
		"tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(tunnel.localHttpProxyPort)))
	if err != nil {
		socksListener.Close()
		return nil, errors.Tracef("%w: HTTP proxy: %w", ErrLocalTransportFailure, err)
	}

	session.socksListener = socksListener
	session.httpListener = httpListener
	session.httpServer = &http.Server{Handler: newTunneledHttpProxy(client)}

	proxies, ctx := errgroup.WithContext(context.Background())
	session.proxies = proxies

	proxies.Go(func() error {
		return session.serveSocks()
	})

	proxies.Go(func() error {
		err := session.httpServer.Serve(httpListener)
		if err == http.ErrServerClosed {
			return nil
		}
		return errors.Trace(err)
	})

	// Either proxy stopping with an error, or the SSH connection closing,
	// fails the session.
	go func() {
		<-ctx.Done()
		session.fail()
	}()
	go func() {
		client.Wait()
		session.fail()
	}()

	NoticeListeningSocksProxyPort(socksListener.Addr().(*net.TCPAddr).Port)
	NoticeListeningHttpProxyPort(httpListener.Addr().(*net.TCPAddr).Port)

	return session, nil
}

func (session *sshTunnelSession) fail() {
	session.failOnce.Do(func() { close(session.failed) })
}

func (session *sshTunnelSession) serveSocks() error {
	defer session.fail()
	for {
		// Note: will be interrupted by socksListener.Close()
		socksConnection, err := session.socksListener.AcceptSocks()
		if err != nil {
			if std_errors.Is(err, net.ErrClosed) {
				return nil
			}
			// A failed SOCKS handshake affects only that client connection
			NoticeLocalProxyError("SOCKS", errors.Trace(err))
			continue
		}
		go func() {
			err := session.handleSocksConnection(socksConnection)
			if err != nil {
				NoticeLocalProxyError("SOCKS", errors.Trace(err))
			}
		}()
	}
}

func (session *sshTunnelSession) handleSocksConnection(
	localSocksConn *socks.SocksConn) error {

	defer localSocksConn.Close()

	remoteSshForward, err := dialPortForward(session.client, localSocksConn.Req.Target)
	if err != nil {
		localSocksConn.Reject()
		return errors.Trace(err)
	}
	defer remoteSshForward.Close()

	err = localSocksConn.Grant(&net.TCPAddr{IP: net.ParseIP("0.0.0.0"), Port: 0})
	if err != nil {
		return errors.Trace(err)
	}

	relayPortForward(localSocksConn, remoteSshForward)
	return nil
}

// relayPortForward copies in both directions until either side closes.
func relayPortForward(local, remote net.Conn) {
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		io.Copy(local, remote)
		local.Close()
	}()
	io.Copy(remote, local)
	remote.Close()
	<-copyDone
}

func dialPortForward(client *ssh.Client, addr string) (net.Conn, error) {
	ctx, cancelFunc := context.WithTimeout(
		context.Background(), TUNNEL_PORT_FORWARD_DIAL_TIMEOUT)
	defer cancelFunc()
	conn, err := client.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return conn, nil
}

// newTunneledHttpProxy returns an HTTP proxy handler which makes all origin
// server connections, including CONNECT tunnels, through SSH port forwards.
func newTunneledHttpProxy(client *ssh.Client) *goproxy.ProxyHttpServer {

	tunneledDial := func(_, addr string) (net.Conn, error) {
		return dialPortForward(client, addr)
	}

	proxy := goproxy.NewProxyHttpServer()
	proxy.Tr = &http.Transport{
		Dial:                  tunneledDial,
		MaxIdleConnsPerHost:   HTTP_PROXY_MAX_IDLE_CONNECTIONS_PER_HOST,
		ResponseHeaderTimeout: HTTP_PROXY_ORIGIN_SERVER_TIMEOUT,
	}
	proxy.ConnectDial = tunneledDial

	return proxy
}

// LocalProxyPorts returns the listening ports of the local SOCKS and HTTP
// proxies, or zeros when not connected.
func (tunnel *SSHTunnel) LocalProxyPorts() (int, int) {
	tunnel.mutex.Lock()
	defer tunnel.mutex.Unlock()

	if tunnel.activeSession == nil {
		return 0, 0
	}
	return tunnel.activeSession.socksListener.Addr().(*net.TCPAddr).Port,
		tunnel.activeSession.httpListener.Addr().(*net.TCPAddr).Port
}

// WaitAndDisconnect implements SSHTransport.
func (tunnel *SSHTunnel) WaitAndDisconnect() {

	tunnel.mutex.Lock()
	session := tunnel.activeSession
	tunnel.mutex.Unlock()

	if session != nil {
		for tunnel.stopFlag.WaitForSignal(session.failed, tunnel.pollInterval) {
			select {
			case <-session.failed:
				NoticeInfo("SSH tunnel disconnected")
				tunnel.Disconnect()
				return
			default:
			}
		}
	}

	tunnel.Disconnect()
}

// Disconnect implements SSHTransport. It may be called at any time and
// more than once.
func (tunnel *SSHTunnel) Disconnect() {

	tunnel.mutex.Lock()
	session := tunnel.activeSession
	tunnel.activeSession = nil
	dialResult := tunnel.dialResult
	if tunnel.cancelDial != nil {
		tunnel.cancelDial()
	}
	tunnel.cancelDial = nil
	tunnel.dialResult = nil
	tunnel.mutex.Unlock()

	if dialResult != nil {
		result := <-dialResult
		if result.client != nil {
			result.client.Close()
		}
	}

	if session == nil {
		return
	}

	session.socksListener.Close()
	shutdownCtx, cancelFunc := context.WithTimeout(
		context.Background(), LOCAL_PROXY_SHUTDOWN_TIMEOUT)
	session.httpServer.Shutdown(shutdownCtx)
	cancelFunc()
	session.httpServer.Close()
	session.client.Close()

	err := session.proxies.Wait()
	if err != nil {
		NoticeWarning("local proxy failed: %s", errors.Trace(err))
	}
}
