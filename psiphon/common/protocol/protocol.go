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
	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common"
	"github.com/fxamacker/cbor/v2"
)

const (
	TRANSPORT_STRATEGY_VPN = "VPN"
	TRANSPORT_STRATEGY_SSH = "SSH"

	CAPABILITY_HANDSHAKE = "handshake"
	CAPABILITY_VPN       = "VPN"
	CAPABILITY_SSH       = "SSH"

	PSIPHON_API_HANDSHAKE_REQUEST_PATH = "/handshake"
	PSIPHON_API_CONNECTED_REQUEST_PATH = "/connected"
	PSIPHON_API_FAILED_REQUEST_PATH    = "/failed"
	PSIPHON_API_DOWNLOAD_REQUEST_PATH  = "/download"

	PSIPHON_API_PARAM_PROPAGATION_CHANNEL_ID = "propagation_channel_id"
	PSIPHON_API_PARAM_SPONSOR_ID             = "sponsor_id"
	PSIPHON_API_PARAM_CLIENT_VERSION         = "client_version"
	PSIPHON_API_PARAM_SERVER_SECRET          = "server_secret"
	PSIPHON_API_PARAM_KNOWN_SERVER           = "known_server"
	PSIPHON_API_PARAM_VPN_CLIENT_IP_ADDRESS  = "vpn_client_ip_address"
	PSIPHON_API_PARAM_ERROR_CODE             = "error_code"

	// Legacy handshake response line prefixes. A "Config: " line, when
	// present, carries a JSON HandshakeResponse.
	HANDSHAKE_LINE_PSK            = "PSK: "
	HANDSHAKE_LINE_UPGRADE        = "Upgrade: "
	HANDSHAKE_LINE_HOMEPAGE       = "Homepage: "
	HANDSHAKE_LINE_SERVER         = "Server: "
	HANDSHAKE_LINE_SSH_PORT       = "SSHPort: "
	HANDSHAKE_LINE_SSH_USERNAME   = "SSHUsername: "
	HANDSHAKE_LINE_SSH_PASSWORD   = "SSHPassword: "
	HANDSHAKE_LINE_SSH_HOST_KEY   = "SSHHostKey: "
	HANDSHAKE_LINE_SSH_SESSION_ID = "SSHSessionID: "
	HANDSHAKE_LINE_CONFIG         = "Config: "
)

var SupportedTransportStrategies = []string{
	TRANSPORT_STRATEGY_VPN,
	TRANSPORT_STRATEGY_SSH,
}

// IsKnownTransportStrategy returns true when name is one of
// SupportedTransportStrategies.
func IsKnownTransportStrategy(name string) bool {
	return common.Contains(SupportedTransportStrategies, name)
}

// HandshakeResponse is the JSON payload of the handshake "Config: " line.
// Fields take precedence over the equivalent legacy lines.
type HandshakeResponse struct {
	Homepages            []string `json:"homepages,omitempty"`
	UpgradeClientVersion string   `json:"upgrade_client_version,omitempty"`
	EncodedServerList    []string `json:"encoded_server_list,omitempty"`
	PreemptivePSK        string   `json:"preemptive_psk,omitempty"`
	SSHPort              int      `json:"ssh_port,omitempty"`
	SSHUsername          string   `json:"ssh_username,omitempty"`
	SSHPassword          string   `json:"ssh_password,omitempty"`
	SSHHostKey           string   `json:"ssh_host_key,omitempty"`
	SSHSessionID         string   `json:"ssh_session_id,omitempty"`
}

// CBOREncoding defines the specific CBOR encoding used for persisted records.
// This is initialized to FIDO2 CTAP2 Canonical CBOR.
var CBOREncoding cbor.EncMode

func init() {
	CBOREncoding, _ = cbor.CTAP2EncOptions().EncMode()
}
