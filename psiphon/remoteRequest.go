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
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/protocol"
	tls "github.com/Psiphon-Labs/utls"
)

// HTTPSRequestGateway is the RemoteRequestGateway for the Psiphon web
// server. Servers present a self-signed certificate which is distributed in
// the server entry; the TLS connection is accepted only when the presented
// certificate is exactly that certificate.
type HTTPSRequestGateway struct {
	pollInterval     time.Duration
	requestTimeout   time.Duration
	randomizedHello  bool
	downloadTimeout  time.Duration
	maxResponseBytes int64
	maxDownloadBytes int64
	dialer           *net.Dialer
}

func NewHTTPSRequestGateway(config *Config) *HTTPSRequestGateway {
	return &HTTPSRequestGateway{
		pollInterval:     config.GetWaitPollInterval(),
		requestTimeout:   config.GetRemoteRequestTimeout(),
		randomizedHello:  config.UseRandomizedTLSClientHello,
		downloadTimeout:  DOWNLOAD_UPGRADE_TIMEOUT,
		maxResponseBytes: PSIPHON_API_RESPONSE_MAX_BYTES,
		maxDownloadBytes: DOWNLOAD_UPGRADE_MAX_BYTES,
		dialer:           &net.Dialer{},
	}
}

// Request implements RemoteRequestGateway. Download requests, which fetch
// an upgrade binary, are allowed a longer timeout and larger response.
func (gateway *HTTPSRequestGateway) Request(
	stopFlag *CancelFlag,
	serverAddress, webServerPort, webServerCertificate, requestPath string) ([]byte, error) {

	certificate, err := DecodeCertificate(webServerCertificate)
	if err != nil {
		return nil, errors.Trace(err)
	}

	timeout := gateway.requestTimeout
	maxBytes := gateway.maxResponseBytes
	if strings.HasPrefix(requestPath, protocol.PSIPHON_API_DOWNLOAD_REQUEST_PATH) {
		timeout = gateway.downloadTimeout
		maxBytes = gateway.maxDownloadBytes
	}

	ctx, cancelFunc := stopFlag.Context(context.Background(), gateway.pollInterval)
	defer cancelFunc()
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	transport := &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return gateway.dialPinnedTLS(ctx, network, addr, certificate)
		},
		DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
			return nil, errors.TraceNew("HTTP not supported")
		},
		DisableKeepAlives: true,
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{Transport: transport}

	requestUrl := fmt.Sprintf(
		"https://%s%s", net.JoinHostPort(serverAddress, webServerPort), requestPath)

	request, err := http.NewRequestWithContext(ctx, "GET", requestUrl, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}

	response, err := client.Do(request)
	if err == nil && response.StatusCode != http.StatusOK {
		response.Body.Close()
		err = fmt.Errorf("HTTP GET request failed with response code: %d", response.StatusCode)
	}
	if err != nil {
		// Strip the URL, which contains the server secret
		if urlErr, ok := err.(*url.Error); ok {
			err = urlErr.Err
		}
		return nil, errors.Trace(err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxBytes+1))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if int64(len(body)) > maxBytes {
		return nil, errors.TraceNew("response exceeds maximum size")
	}

	return body, nil
}

func (gateway *HTTPSRequestGateway) dialPinnedTLS(
	ctx context.Context,
	network, addr string,
	certificate *x509.Certificate) (net.Conn, error) {

	rawConn, err := gateway.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, errors.Trace(err)
	}

	clientHelloID := tls.HelloGolang
	if gateway.randomizedHello {
		clientHelloID = tls.HelloRandomizedNoALPN
	}

	// The server certificate is self-signed, so it's verified after the
	// handshake by comparison with the pinned certificate.
	conn := tls.UClient(
		rawConn,
		&tls.Config{InsecureSkipVerify: true},
		clientHelloID)

	resultChannel := make(chan error)

	go func() {
		resultChannel <- conn.Handshake()
	}()

	select {
	case err = <-resultChannel:
	case <-ctx.Done():
		err = ctx.Err()
		// Interrupt the goroutine
		rawConn.Close()
		<-resultChannel
	}

	if err == nil {
		err = verifyLegacyCertificate(conn, certificate)
	}
	if err != nil {
		rawConn.Close()
		return nil, errors.Trace(err)
	}

	return conn, nil
}

func verifyLegacyCertificate(conn *tls.UConn, expectedCertificate *x509.Certificate) error {
	certs := conn.ConnectionState().PeerCertificates
	if len(certs) < 1 {
		return errors.TraceNew("no certificate to verify")
	}
	if !bytes.Equal(certs[0].Raw, expectedCertificate.Raw) {
		return errors.TraceNew("unexpected certificate")
	}
	return nil
}
