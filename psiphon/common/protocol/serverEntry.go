/*
 * Copyright (c) 2016, Psiphon Inc.
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

package protocol

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/errors"
)

// ServerEntry represents a Psiphon server. It contains information about how
// to make web API requests to the server and how to establish VPN and SSH
// connections to it. ServerEntry records are distributed with the client and
// discovered through handshake responses.
//
// A ServerEntry is treated as an immutable value once decoded: the
// directory, the session and the transports share pointers but never modify
// the fields.
type ServerEntry struct {
	IpAddress            string   `json:"ipAddress" cbor:"1,keyasint,omitempty"`
	WebServerPort        string   `json:"webServerPort" cbor:"2,keyasint,omitempty"` // not an int
	WebServerSecret      string   `json:"webServerSecret" cbor:"3,keyasint,omitempty"`
	WebServerCertificate string   `json:"webServerCertificate" cbor:"4,keyasint,omitempty"`
	SshPort              int      `json:"sshPort" cbor:"5,keyasint,omitempty"`
	SshUsername          string   `json:"sshUsername" cbor:"6,keyasint,omitempty"`
	SshPassword          string   `json:"sshPassword" cbor:"7,keyasint,omitempty"`
	SshHostKey           string   `json:"sshHostKey" cbor:"8,keyasint,omitempty"`
	Capabilities         []string `json:"capabilities" cbor:"9,keyasint,omitempty"`
	Region               string   `json:"region" cbor:"10,keyasint,omitempty"`
}

// SupportsCapability returns true when the server entry lists the
// capability. Entries with no capabilities list are legacy entries and are
// assumed to support the handshake and VPN.
func (serverEntry *ServerEntry) SupportsCapability(capability string) bool {
	if len(serverEntry.Capabilities) == 0 {
		return capability == CAPABILITY_HANDSHAKE || capability == CAPABILITY_VPN
	}
	return common.Contains(serverEntry.Capabilities, capability)
}

// GetDiagnosticID returns a server identifier suitable for diagnostic
// notices.
func (serverEntry *ServerEntry) GetDiagnosticID() string {
	if serverEntry.Region == "" {
		return serverEntry.IpAddress
	}
	return fmt.Sprintf("%s (%s)", serverEntry.IpAddress, serverEntry.Region)
}

// EncodeServerEntry returns the hex encoding of the legacy space delimited
// fields followed by the JSON record.
func EncodeServerEntry(serverEntry *ServerEntry) (string, error) {
	serverEntryJSON, err := json.Marshal(serverEntry)
	if err != nil {
		return "", errors.Trace(err)
	}
	return hex.EncodeToString([]byte(fmt.Sprintf(
		"%s %s %s %s %s",
		serverEntry.IpAddress,
		serverEntry.WebServerPort,
		serverEntry.WebServerSecret,
		serverEntry.WebServerCertificate,
		serverEntryJSON))), nil
}

// DecodeServerEntry extracts a server entry from the encoding used by
// server lists and handshake responses.
func DecodeServerEntry(encodedServerEntry string) (*ServerEntry, error) {

	hexDecodedServerEntry, err := hex.DecodeString(strings.TrimSpace(encodedServerEntry))
	if err != nil {
		return nil, errors.Trace(err)
	}

	// Skip past legacy format (4 space delimited fields) and parse the JSON
	fields := bytes.SplitN(hexDecodedServerEntry, []byte(" "), 5)
	if len(fields) != 5 {
		return nil, errors.TraceNew("invalid encoded server entry")
	}

	serverEntry := new(ServerEntry)
	err = json.Unmarshal(fields[4], serverEntry)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return serverEntry, nil
}

// ValidateServerEntry checks for malformed server entries. A valid IP
// address is required since handshake requests report known server
// addresses back to the server, and a web server port is required to make
// any API request.
func ValidateServerEntry(serverEntry *ServerEntry) error {
	if net.ParseIP(serverEntry.IpAddress) == nil {
		return errors.Tracef("server entry has invalid IpAddress: '%s'", serverEntry.IpAddress)
	}
	port, err := strconv.Atoi(serverEntry.WebServerPort)
	if err != nil || port <= 0 || port > 65535 {
		return errors.Tracef("server entry has invalid WebServerPort: '%s'", serverEntry.WebServerPort)
	}
	return nil
}

// DecodeServerEntryList extracts server entries from the newline delimited
// list encoding. Entries which fail to decode or validate are skipped; the
// skipped entry errors are returned alongside the valid entries for logging.
func DecodeServerEntryList(
	encodedServerEntryList string) ([]*ServerEntry, []error) {

	serverEntries := make([]*ServerEntry, 0)
	var skipped []error

	for _, encodedServerEntry := range strings.Split(encodedServerEntryList, "\n") {

		if len(strings.TrimSpace(encodedServerEntry)) == 0 {
			continue
		}

		serverEntry, err := DecodeServerEntry(encodedServerEntry)
		if err == nil {
			err = ValidateServerEntry(serverEntry)
		}
		if err != nil {
			skipped = append(skipped, errors.Trace(err))
			continue
		}

		serverEntries = append(serverEntries, serverEntry)
	}

	return serverEntries, skipped
}
