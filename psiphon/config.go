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
	"os"
	"time"

	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/protocol"
)

const (
	DATA_STORE_FILENAME                      = "psiphon.boltdb"
	DEFAULT_CLIENT_VERSION                   = "0"
	WAIT_POLL_INTERVAL                       = 100 * time.Millisecond
	FAILED_VPN_BACKOFF_MIN                   = 1 * time.Second
	FAILED_VPN_BACKOFF_MAX                   = 5 * time.Second
	VPN_ESTABLISH_TIMEOUT                    = 20 * time.Second
	SSH_CONNECT_TIMEOUT                      = 20 * time.Second
	PSIPHON_API_SERVER_TIMEOUT               = 20 * time.Second
	PSIPHON_API_RESPONSE_MAX_BYTES           = 64 * 1024
	DOWNLOAD_UPGRADE_TIMEOUT                 = 15 * time.Minute
	DOWNLOAD_UPGRADE_MAX_BYTES               = 100 * 1024 * 1024
	UPGRADE_ARCHIVE_SUFFIX                   = ".orig"
	ESTABLISH_ATTEMPTS_PER_SECOND            = 1.0
	HTTP_PROXY_ORIGIN_SERVER_TIMEOUT         = 15 * time.Second
	HTTP_PROXY_MAX_IDLE_CONNECTIONS_PER_HOST = 50
	LOCAL_PROXY_SHUTDOWN_TIMEOUT             = 2 * time.Second
	TUNNEL_PORT_FORWARD_DIAL_TIMEOUT         = 10 * time.Second
	TWEAK_COMMAND_TIMEOUT                    = 30 * time.Second
	TWEAK_COMMAND_WAIT_DELAY                 = 1 * time.Second
)

// Config is the Psiphon client configuration. It is loaded from a JSON file
// and defaults are applied by LoadConfig for each omitted parameter.
//
// To distinguish omitted params from explicit 0 value params, some params are
// int pointers. nil means no param was supplied so use the default.
type Config struct {
	// PropagationChannelId and SponsorId are required and are sent with every
	// Psiphon API request.
	PropagationChannelId string
	SponsorId            string

	// ClientVersion is the running client's version, sent with API requests
	// and compared by the server to decide whether an upgrade is required.
	ClientVersion string

	// DataStoreDirectory is the directory holding the persistent server
	// directory. Defaults to the current working directory.
	DataStoreDirectory string

	EmitDiagnosticNotices bool

	// TransportStrategies is the ordered list of transports attempted for
	// each server. Values are "VPN" and "SSH"; the default is both, VPN first.
	TransportStrategies []string

	// WaitPollIntervalMilliseconds bounds how long any blocking wait goes
	// without checking for a stop request.
	WaitPollIntervalMilliseconds int

	// FailedVPNBackoffMinMilliseconds and FailedVPNBackoffMaxMilliseconds
	// define the window of the random delay applied after a failed VPN
	// negotiation.
	FailedVPNBackoffMinMilliseconds *int
	FailedVPNBackoffMaxMilliseconds *int

	// VPNPlatformMinimumVersion is the minimum host platform version which
	// supports the VPN transport. When blank, no check is made.
	VPNPlatformMinimumVersion string

	// VPNHelperCommand is the platform VPN helper command line. The server
	// address and pre-shared key are appended as the final two arguments.
	// The VPN transport is unavailable when this is not set.
	VPNHelperCommand []string

	VPNEstablishTimeoutSeconds int

	// VPNTweakCommand and DNSTweakCommand are optional commands run before
	// and after VPN connection respectively.
	VPNTweakCommand []string
	DNSTweakCommand []string

	// LocalSocksProxyPort and LocalHttpProxyPort are the listening ports of
	// the local proxies served over the SSH transport. 0 selects a system
	// assigned port.
	LocalSocksProxyPort int
	LocalHttpProxyPort  int

	SSHConnectTimeoutSeconds int

	RemoteRequestTimeoutSeconds int

	// UseRandomizedTLSClientHello selects a randomized TLS ClientHello for
	// Psiphon API requests.
	UseRandomizedTLSClientHello bool

	// UpgradeArchiveSuffix is appended to the executable path to name the
	// archived previous version during an upgrade.
	UpgradeArchiveSuffix string

	// EstablishAttemptsPerSecond paces server rotation.
	EstablishAttemptsPerSecond float64

	// HomePageOpenCommand, when set, is run with each home page URL appended.
	// Otherwise home pages are reported only as notices.
	HomePageOpenCommand []string
}

// LoadConfig parses and validates a JSON format Psiphon config JSON
// string and returns a Config struct populated with config values.
func LoadConfig(configJson []byte) (*Config, error) {

	var config Config
	err := json.Unmarshal(configJson, &config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	// These fields are required; the rest are optional
	if config.PropagationChannelId == "" {
		return nil, errors.TraceNew("propagation channel ID is missing from the configuration file")
	}
	if config.SponsorId == "" {
		return nil, errors.TraceNew("sponsor ID is missing from the configuration file")
	}

	if config.DataStoreDirectory == "" {
		config.DataStoreDirectory, err = os.Getwd()
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	config.ClientVersion = common.ValueOrDefault(config.ClientVersion, DEFAULT_CLIENT_VERSION)

	if config.TransportStrategies == nil {
		config.TransportStrategies = []string{
			protocol.TRANSPORT_STRATEGY_VPN,
			protocol.TRANSPORT_STRATEGY_SSH,
		}
	}
	if len(config.TransportStrategies) == 0 {
		return nil, errors.TraceNew("no transport strategies")
	}
	for _, strategy := range config.TransportStrategies {
		if !protocol.IsKnownTransportStrategy(strategy) {
			return nil, errors.Tracef("invalid transport strategy: %s", strategy)
		}
	}
	if common.ContainsDuplicate(config.TransportStrategies) {
		return nil, errors.TraceNew("repeated transport strategy")
	}

	if config.WaitPollIntervalMilliseconds < 0 {
		return nil, errors.TraceNew("invalid wait poll interval")
	}
	config.WaitPollIntervalMilliseconds = common.ValueOrDefault(
		config.WaitPollIntervalMilliseconds, int(WAIT_POLL_INTERVAL/time.Millisecond))

	if config.FailedVPNBackoffMinMilliseconds == nil {
		backoffMin := int(FAILED_VPN_BACKOFF_MIN / time.Millisecond)
		config.FailedVPNBackoffMinMilliseconds = &backoffMin
	}
	if config.FailedVPNBackoffMaxMilliseconds == nil {
		backoffMax := int(FAILED_VPN_BACKOFF_MAX / time.Millisecond)
		config.FailedVPNBackoffMaxMilliseconds = &backoffMax
	}
	if *config.FailedVPNBackoffMinMilliseconds < 0 ||
		*config.FailedVPNBackoffMinMilliseconds > *config.FailedVPNBackoffMaxMilliseconds {
		return nil, errors.TraceNew("invalid failed VPN backoff window")
	}

	config.VPNEstablishTimeoutSeconds = common.ValueOrDefault(
		config.VPNEstablishTimeoutSeconds, int(VPN_ESTABLISH_TIMEOUT/time.Second))

	config.SSHConnectTimeoutSeconds = common.ValueOrDefault(
		config.SSHConnectTimeoutSeconds, int(SSH_CONNECT_TIMEOUT/time.Second))

	config.RemoteRequestTimeoutSeconds = common.ValueOrDefault(
		config.RemoteRequestTimeoutSeconds, int(PSIPHON_API_SERVER_TIMEOUT/time.Second))

	config.UpgradeArchiveSuffix = common.ValueOrDefault(
		config.UpgradeArchiveSuffix, UPGRADE_ARCHIVE_SUFFIX)

	if config.EstablishAttemptsPerSecond < 0 {
		return nil, errors.TraceNew("invalid establish attempts rate")
	}
	config.EstablishAttemptsPerSecond = common.ValueOrDefault(
		config.EstablishAttemptsPerSecond, ESTABLISH_ATTEMPTS_PER_SECOND)

	if config.LocalSocksProxyPort < 0 || config.LocalSocksProxyPort > 65535 ||
		config.LocalHttpProxyPort < 0 || config.LocalHttpProxyPort > 65535 {
		return nil, errors.TraceNew("invalid local proxy port")
	}

	return &config, nil
}

// LoadConfigFile reads and loads the config file at the specified path.
func LoadConfigFile(filename string) (*Config, error) {
	configJson, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return LoadConfig(configJson)
}

func (config *Config) GetWaitPollInterval() time.Duration {
	return time.Duration(config.WaitPollIntervalMilliseconds) * time.Millisecond
}

func (config *Config) GetFailedVPNBackoff() (time.Duration, time.Duration) {
	return time.Duration(*config.FailedVPNBackoffMinMilliseconds) * time.Millisecond,
		time.Duration(*config.FailedVPNBackoffMaxMilliseconds) * time.Millisecond
}

func (config *Config) GetVPNEstablishTimeout() time.Duration {
	return time.Duration(config.VPNEstablishTimeoutSeconds) * time.Second
}

func (config *Config) GetSSHConnectTimeout() time.Duration {
	return time.Duration(config.SSHConnectTimeoutSeconds) * time.Second
}

func (config *Config) GetRemoteRequestTimeout() time.Duration {
	return time.Duration(config.RemoteRequestTimeoutSeconds) * time.Second
}
