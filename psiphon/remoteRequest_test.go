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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testWebServer struct {
	server      *httptest.Server
	address     string
	port        string
	certificate string
}

func newTestWebServer(t *testing.T, handler http.HandlerFunc) *testWebServer {

	server := httptest.NewTLSServer(handler)
	t.Cleanup(server.Close)

	address, port, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)

	return &testWebServer{
		server:      server,
		address:     address,
		port:        port,
		certificate: base64.StdEncoding.EncodeToString(server.Certificate().Raw),
	}
}

func makeTestCertificate(t *testing.T) string {

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	derCertificate, err := x509.CreateCertificate(
		rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	return base64.StdEncoding.EncodeToString(derCertificate)
}

func echoRequestURI(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(r.URL.RequestURI()))
}

func TestHTTPSRequestGateway(t *testing.T) {

	for _, randomizedHello := range []bool{false, true} {

		webServer := newTestWebServer(t, echoRequestURI)

		gateway := NewHTTPSRequestGateway(newTestConfig(t))
		gateway.randomizedHello = randomizedHello

		requestPath := "/handshake?server_secret=secret&known_server=192.0.2.1"

		response, err := gateway.Request(
			NewCancelFlag(), webServer.address, webServer.port, webServer.certificate, requestPath)
		require.NoError(t, err)
		assert.Equal(t, requestPath, string(response))
	}
}

func TestHTTPSRequestGatewayPinnedCertificate(t *testing.T) {

	webServer := newTestWebServer(t, echoRequestURI)
	gateway := NewHTTPSRequestGateway(newTestConfig(t))

	_, err := gateway.Request(
		NewCancelFlag(),
		webServer.address, webServer.port, makeTestCertificate(t),
		"/handshake?server_secret=secret")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret")

	_, err = gateway.Request(
		NewCancelFlag(), webServer.address, webServer.port, "not a certificate", "/handshake")
	assert.Error(t, err)
}

func TestHTTPSRequestGatewayStatus(t *testing.T) {

	webServer := newTestWebServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	gateway := NewHTTPSRequestGateway(newTestConfig(t))

	_, err := gateway.Request(
		NewCancelFlag(),
		webServer.address, webServer.port, webServer.certificate,
		"/connected?server_secret=secret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.NotContains(t, err.Error(), "secret")
}

func TestHTTPSRequestGatewayResponseLimits(t *testing.T) {

	body := strings.Repeat("x", 100)
	webServer := newTestWebServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})

	gateway := NewHTTPSRequestGateway(newTestConfig(t))
	gateway.maxResponseBytes = 99
	gateway.maxDownloadBytes = 100

	_, err := gateway.Request(
		NewCancelFlag(), webServer.address, webServer.port, webServer.certificate, "/handshake")
	assert.Error(t, err)

	response, err := gateway.Request(
		NewCancelFlag(), webServer.address, webServer.port, webServer.certificate, "/download")
	require.NoError(t, err)
	assert.Equal(t, body, string(response))
}

func TestHTTPSRequestGatewayStop(t *testing.T) {

	webServer := newTestWebServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(testStateTimeout):
		}
	})
	gateway := NewHTTPSRequestGateway(newTestConfig(t))

	stopFlag := NewCancelFlag()
	go func() {
		time.Sleep(50 * time.Millisecond)
		stopFlag.Set()
	}()

	start := time.Now()
	_, err := gateway.Request(
		stopFlag, webServer.address, webServer.port, webServer.certificate, "/handshake")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
