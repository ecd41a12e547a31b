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
	"encoding/json"
	"strconv"
	"strings"

	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/protocol"
)

// SessionInfo holds the state of one connection attempt: the selected
// server and the values obtained from its handshake response. A new
// SessionInfo is created each time a server is selected.
type SessionInfo struct {
	serverEntry             *protocol.ServerEntry
	psk                     string
	homepages               []string
	upgradeVersion          string
	discoveredServerEntries []*protocol.ServerEntry
	sshPort                 int
	sshUsername             string
	sshPassword             string
	sshHostKey              string
	sshSessionID            string
}

func NewSessionInfo(serverEntry *protocol.ServerEntry) *SessionInfo {
	return &SessionInfo{serverEntry: serverEntry}
}

func (session *SessionInfo) ServerEntry() *protocol.ServerEntry {
	return session.serverEntry
}

func (session *SessionInfo) ServerAddress() string {
	return session.serverEntry.IpAddress
}

func (session *SessionInfo) WebServerSecret() string {
	return session.serverEntry.WebServerSecret
}

func (session *SessionInfo) PSK() string {
	return session.psk
}

func (session *SessionInfo) Homepages() []string {
	return session.homepages
}

func (session *SessionInfo) UpgradeVersion() string {
	return session.upgradeVersion
}

func (session *SessionInfo) DiscoveredServerEntries() []*protocol.ServerEntry {
	return session.discoveredServerEntries
}

// SSHPort and the other SSH parameters return the handshake value, or the
// server entry value when the handshake omitted it.
func (session *SessionInfo) SSHPort() int {
	if session.sshPort != 0 {
		return session.sshPort
	}
	return session.serverEntry.SshPort
}

func (session *SessionInfo) SSHUsername() string {
	if session.sshUsername != "" {
		return session.sshUsername
	}
	return session.serverEntry.SshUsername
}

func (session *SessionInfo) SSHPassword() string {
	if session.sshPassword != "" {
		return session.sshPassword
	}
	return session.serverEntry.SshPassword
}

func (session *SessionInfo) SSHHostKey() string {
	if session.sshHostKey != "" {
		return session.sshHostKey
	}
	return session.serverEntry.SshHostKey
}

func (session *SessionInfo) SSHSessionID() string {
	return session.sshSessionID
}

// ParseHandshakeResponse populates the session from a line oriented
// handshake response. Unrecognized lines are ignored. An optional
// "Config: " line carries a JSON protocol.HandshakeResponse whose fields
// override the equivalent lines.
//
// Discovered server entries which decode but fail validation are skipped.
// A response with no recognized lines, a server entry that can't be decoded,
// or a malformed port is an error, and the session is left unchanged.
func (session *SessionInfo) ParseHandshakeResponse(response []byte) error {

	parsed := NewSessionInfo(session.serverEntry)
	recognized := 0

	var handshakeConfig *protocol.HandshakeResponse

	for _, line := range strings.Split(string(response), "\n") {

		line = strings.TrimRight(line, "\r")

		value, prefix, ok := cutHandshakeLine(line)
		if !ok {
			continue
		}
		recognized += 1

		switch prefix {

		case protocol.HANDSHAKE_LINE_PSK:
			parsed.psk = value

		case protocol.HANDSHAKE_LINE_UPGRADE:
			parsed.upgradeVersion = value

		case protocol.HANDSHAKE_LINE_HOMEPAGE:
			parsed.homepages = append(parsed.homepages, value)

		case protocol.HANDSHAKE_LINE_SERVER:
			err := parsed.addDiscoveredServerEntry(value)
			if err != nil {
				return errors.Trace(err)
			}

		case protocol.HANDSHAKE_LINE_SSH_PORT:
			port, err := strconv.Atoi(value)
			if err != nil || port < 0 || port > 65535 {
				return errors.Tracef("invalid SSH port: %s", value)
			}
			parsed.sshPort = port

		case protocol.HANDSHAKE_LINE_SSH_USERNAME:
			parsed.sshUsername = value

		case protocol.HANDSHAKE_LINE_SSH_PASSWORD:
			parsed.sshPassword = value

		case protocol.HANDSHAKE_LINE_SSH_HOST_KEY:
			parsed.sshHostKey = value

		case protocol.HANDSHAKE_LINE_SSH_SESSION_ID:
			parsed.sshSessionID = value

		case protocol.HANDSHAKE_LINE_CONFIG:
			handshakeConfig = new(protocol.HandshakeResponse)
			err := json.Unmarshal([]byte(value), handshakeConfig)
			if err != nil {
				return errors.Trace(err)
			}
		}
	}

	if recognized == 0 {
		return errors.TraceNew("no recognized handshake response fields")
	}

	if handshakeConfig != nil {
		err := parsed.applyHandshakeConfig(handshakeConfig)
		if err != nil {
			return errors.Trace(err)
		}
	}

	*session = *parsed

	return nil
}

var handshakeLinePrefixes = []string{
	protocol.HANDSHAKE_LINE_PSK,
	protocol.HANDSHAKE_LINE_UPGRADE,
	protocol.HANDSHAKE_LINE_HOMEPAGE,
	protocol.HANDSHAKE_LINE_SERVER,
	protocol.HANDSHAKE_LINE_SSH_PORT,
	protocol.HANDSHAKE_LINE_SSH_USERNAME,
	protocol.HANDSHAKE_LINE_SSH_PASSWORD,
	protocol.HANDSHAKE_LINE_SSH_HOST_KEY,
	protocol.HANDSHAKE_LINE_SSH_SESSION_ID,
	protocol.HANDSHAKE_LINE_CONFIG,
}

func cutHandshakeLine(line string) (string, string, bool) {
	for _, prefix := range handshakeLinePrefixes {
		if value, ok := strings.CutPrefix(line, prefix); ok {
			return value, prefix, true
		}
	}
	return "", "", false
}

func (session *SessionInfo) addDiscoveredServerEntry(encodedServerEntry string) error {

	serverEntry, err := protocol.DecodeServerEntry(encodedServerEntry)
	if err != nil {
		return errors.Trace(err)
	}

	err = protocol.ValidateServerEntry(serverEntry)
	if err != nil {
		NoticeWarning("skipping invalid discovered server entry: %s", errors.Trace(err))
		return nil
	}

	session.discoveredServerEntries = append(session.discoveredServerEntries, serverEntry)
	return nil
}

func (session *SessionInfo) applyHandshakeConfig(config *protocol.HandshakeResponse) error {

	if len(config.Homepages) > 0 {
		session.homepages = config.Homepages
	}
	if config.UpgradeClientVersion != "" {
		session.upgradeVersion = config.UpgradeClientVersion
	}
	if config.PreemptivePSK != "" {
		session.psk = config.PreemptivePSK
	}
	for _, encodedServerEntry := range config.EncodedServerList {
		err := session.addDiscoveredServerEntry(encodedServerEntry)
		if err != nil {
			return errors.Trace(err)
		}
	}
	if config.SSHPort < 0 || config.SSHPort > 65535 {
		return errors.Tracef("invalid SSH port: %d", config.SSHPort)
	}
	if config.SSHPort != 0 {
		session.sshPort = config.SSHPort
	}
	if config.SSHUsername != "" {
		session.sshUsername = config.SSHUsername
	}
	if config.SSHPassword != "" {
		session.sshPassword = config.SSHPassword
	}
	if config.SSHHostKey != "" {
		session.sshHostKey = config.SSHHostKey
	}
	if config.SSHSessionID != "" {
		session.sshSessionID = config.SSHSessionID
	}
	return nil
}
