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
	"net/url"
	"strconv"
	"strings"

	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/protocol"
)

// Psiphon API requests are HTTPS GET requests to the server's web server.
// All parameters are in the query string. The parameter order is fixed:
// the base parameters first, followed by any request specific parameters.

type requestParam struct {
	name  string
	value string
}

func makeRequestPath(path string, params []requestParam) string {
	var builder strings.Builder
	builder.WriteString(path)
	for i, param := range params {
		if i == 0 {
			builder.WriteByte('?')
		} else {
			builder.WriteByte('&')
		}
		builder.WriteString(param.name)
		builder.WriteByte('=')
		builder.WriteString(url.QueryEscape(param.value))
	}
	return builder.String()
}

func getBaseAPIParameters(
	config *Config, session *SessionInfo, clientVersion string) []requestParam {

	return []requestParam{
		{protocol.PSIPHON_API_PARAM_PROPAGATION_CHANNEL_ID, config.PropagationChannelId},
		{protocol.PSIPHON_API_PARAM_SPONSOR_ID, config.SponsorId},
		{protocol.PSIPHON_API_PARAM_CLIENT_VERSION, clientVersion},
		{protocol.PSIPHON_API_PARAM_SERVER_SECRET, session.WebServerSecret()},
	}
}

// makeHandshakeRequestPath includes every known server address, which the
// server uses for stats.
func makeHandshakeRequestPath(
	config *Config, session *SessionInfo, knownServerAddresses []string) string {

	params := getBaseAPIParameters(config, session, config.ClientVersion)
	for _, address := range knownServerAddresses {
		params = append(params, requestParam{protocol.PSIPHON_API_PARAM_KNOWN_SERVER, address})
	}
	return makeRequestPath(protocol.PSIPHON_API_HANDSHAKE_REQUEST_PATH, params)
}

func makeConnectedRequestPath(
	config *Config, session *SessionInfo, localTunnelAddress string) string {

	params := append(
		getBaseAPIParameters(config, session, config.ClientVersion),
		requestParam{protocol.PSIPHON_API_PARAM_VPN_CLIENT_IP_ADDRESS, localTunnelAddress})
	return makeRequestPath(protocol.PSIPHON_API_CONNECTED_REQUEST_PATH, params)
}

func makeFailedRequestPath(
	config *Config, session *SessionInfo, errorCode int) string {

	params := append(
		getBaseAPIParameters(config, session, config.ClientVersion),
		requestParam{protocol.PSIPHON_API_PARAM_ERROR_CODE, strconv.Itoa(errorCode)})
	return makeRequestPath(protocol.PSIPHON_API_FAILED_REQUEST_PATH, params)
}

// makeDownloadRequestPath requests the upgrade version's binary; the
// client_version parameter is the version to download.
func makeDownloadRequestPath(config *Config, session *SessionInfo) string {
	params := getBaseAPIParameters(config, session, session.UpgradeVersion())
	return makeRequestPath(protocol.PSIPHON_API_DOWNLOAD_REQUEST_PATH, params)
}
