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
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHandshakeResponse(t *testing.T) {

	serverEntry := makeTestServerEntry(1)
	discovered := makeTestServerEntry(7)
	invalid := makeTestServerEntry(8)
	invalid.IpAddress = "not-an-ip"

	response := strings.Join([]string{
		"PSK: 0123456789abcdef",
		"Upgrade: 101",
		"Homepage: https://example.com/a",
		"Homepage: https://example.com/b",
		"Server: " + encodeTestServerEntry(t, discovered),
		"Server: " + encodeTestServerEntry(t, invalid),
		"SSHPort: 2222",
		"SSHUsername: user",
		"SSHPassword: pass",
		"SSHHostKey: hostkey",
		"SSHSessionID: session",
		"X-Unknown: ignored",
	}, "\r\n")

	session := NewSessionInfo(serverEntry)
	require.NoError(t, session.ParseHandshakeResponse([]byte(response)))

	assert.Equal(t, serverEntry, session.ServerEntry())
	assert.Equal(t, serverEntry.IpAddress, session.ServerAddress())
	assert.Equal(t, serverEntry.WebServerSecret, session.WebServerSecret())
	assert.Equal(t, "0123456789abcdef", session.PSK())
	assert.Equal(t, "101", session.UpgradeVersion())
	assert.Equal(t,
		[]string{"https://example.com/a", "https://example.com/b"}, session.Homepages())
	assert.Equal(t,
		[]string{discovered.IpAddress}, serverAddresses(session.DiscoveredServerEntries()))
	assert.Equal(t, 2222, session.SSHPort())
	assert.Equal(t, "user", session.SSHUsername())
	assert.Equal(t, "pass", session.SSHPassword())
	assert.Equal(t, "hostkey", session.SSHHostKey())
	assert.Equal(t, "session", session.SSHSessionID())
}

func TestParseHandshakeResponseSSHDefaults(t *testing.T) {

	serverEntry := makeTestServerEntry(1)
	serverEntry.SshHostKey = "entry-host-key"

	session := NewSessionInfo(serverEntry)
	require.NoError(t, session.ParseHandshakeResponse([]byte("PSK: psk\n")))

	assert.Equal(t, serverEntry.SshPort, session.SSHPort())
	assert.Equal(t, serverEntry.SshUsername, session.SSHUsername())
	assert.Equal(t, serverEntry.SshPassword, session.SSHPassword())
	assert.Equal(t, "entry-host-key", session.SSHHostKey())
	assert.Empty(t, session.UpgradeVersion())
	assert.Empty(t, session.Homepages())
}

func TestParseHandshakeResponseConfig(t *testing.T) {

	discovered := makeTestServerEntry(7)

	config, err := json.Marshal(&protocol.HandshakeResponse{
		Homepages:            []string{"https://example.com/config"},
		UpgradeClientVersion: "102",
		EncodedServerList:    []string{encodeTestServerEntry(t, discovered)},
		PreemptivePSK:        "config-psk",
		SSHPort:              2022,
	})
	require.NoError(t, err)

	response := "PSK: line-psk\nUpgrade: 101\nHomepage: https://example.com/line\n" +
		"Config: " + string(config) + "\n"

	session := NewSessionInfo(makeTestServerEntry(1))
	require.NoError(t, session.ParseHandshakeResponse([]byte(response)))

	assert.Equal(t, "config-psk", session.PSK())
	assert.Equal(t, "102", session.UpgradeVersion())
	assert.Equal(t, []string{"https://example.com/config"}, session.Homepages())
	assert.Equal(t, 2022, session.SSHPort())
	assert.Equal(t,
		[]string{discovered.IpAddress}, serverAddresses(session.DiscoveredServerEntries()))
}

func TestParseHandshakeResponseErrors(t *testing.T) {

	testCases := []struct {
		description string
		response    string
	}{
		{"empty", ""},
		{"no recognized lines", "<html><body>blocked</body></html>"},
		{"undecodable server", "PSK: psk\nServer: zz"},
		{"server not an entry", "Server: " + hex.EncodeToString([]byte("1.2.3.4 80"))},
		{"bad SSH port", "PSK: psk\nSSHPort: port"},
		{"SSH port out of range", "PSK: psk\nSSHPort: 70000"},
		{"bad config", "PSK: psk\nConfig: {"},
		{"bad config SSH port", `Config: {"ssh_port": -1}`},
	}

	for _, testCase := range testCases {
		t.Run(testCase.description, func(t *testing.T) {

			session := NewSessionInfo(makeTestServerEntry(1))
			require.NoError(t, session.ParseHandshakeResponse([]byte("PSK: original\n")))

			err := session.ParseHandshakeResponse([]byte(testCase.response))
			assert.Error(t, err)

			// A failed parse leaves the session unchanged.
			assert.Equal(t, "original", session.PSK())
		})
	}
}
