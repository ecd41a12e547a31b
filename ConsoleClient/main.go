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

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Psiphon-Labs/psiphon-client-core/psiphon"
	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/protocol"
)

func main() {
	os.Exit(run())
}

func run() int {

	// Define command-line parameters

	var configFilename string
	flag.StringVar(&configFilename, "config", "", "configuration input file")

	var embeddedServerEntryListFilename string
	flag.StringVar(&embeddedServerEntryListFilename, "serverList", "", "embedded server entry list input file")

	var formatNotices bool
	flag.BoolVar(&formatNotices, "formatNotices", false, "emit notices in human-readable format")

	var noticeFilename string
	flag.StringVar(&noticeFilename, "notices", "", "notices output file (defaults to stderr)")

	var versionDetails bool
	flag.BoolVar(&versionDetails, "version", false, "print build information and exit")
	flag.BoolVar(&versionDetails, "v", false, "print build information and exit")

	flag.Parse()

	if versionDetails {
		b := common.GetBuildInfo()
		fmt.Printf(
			"Psiphon Console Client\n  Build Date: %s\n  Built With: %s\n  Repository: %s\n  Revision: %s\n",
			b.BuildDate, b.GoVersion, b.BuildRepo, b.BuildRev)
		return 0
	}

	// Initialize notice output

	if noticeFilename != "" {
		err := psiphon.SetNoticeFile(noticeFilename)
		if err != nil {
			fmt.Printf("error opening notice file: %s\n", err)
			return 1
		}
	} else {
		var noticeWriter io.Writer = os.Stderr
		if formatNotices {
			noticeWriter = psiphon.NewNoticeConsoleRewriter(noticeWriter)
		}
		psiphon.SetNoticeWriter(noticeWriter)
	}

	// Handle required config file parameter

	// EmitDiagnosticNotices is set from the config; force to true
	// to emit diagnostics when config errors occur.

	if configFilename == "" {
		psiphon.SetEmitDiagnosticNotices(true)
		psiphon.NoticeError("configuration file is required")
		return 1
	}
	config, err := psiphon.LoadConfigFile(configFilename)
	if err != nil {
		psiphon.SetEmitDiagnosticNotices(true)
		psiphon.NoticeError("error processing configuration file: %s", err)
		return 1
	}

	psiphon.SetEmitDiagnosticNotices(config.EmitDiagnosticNotices)
	psiphon.NoticeBuildInfo()

	// Handle optional embedded server list file parameter. Embedded entries
	// are merged with the stored server directory.

	var embeddedServerEntries []*protocol.ServerEntry
	if embeddedServerEntryListFilename != "" {
		serverEntryList, err := os.ReadFile(embeddedServerEntryListFilename)
		if err != nil {
			psiphon.NoticeError("error loading embedded server entry list file: %s", err)
			return 1
		}
		var skipped []error
		embeddedServerEntries, skipped = protocol.DecodeServerEntryList(string(serverEntryList))
		for _, err := range skipped {
			psiphon.NoticeWarning("skipped embedded server entry: %s", err)
		}
	}

	// Initialize data store

	dataStore, err := psiphon.OpenDataStore(config.DataStoreDirectory)
	if err != nil {
		psiphon.NoticeError("error initializing datastore: %s", err)
		return 1
	}
	defer dataStore.Close()

	directory, err := psiphon.NewServerDirectory(embeddedServerEntries, dataStore)
	if err != nil {
		psiphon.NoticeError("error initializing server directory: %s", err)
		return 1
	}

	// Run Psiphon

	manager, upgradeTerminated, err := newConnectionManager(config, directory)
	if err != nil {
		psiphon.NoticeError("error creating connection manager: %s", err)
		return 1
	}

	err = manager.Start()
	if err != nil {
		psiphon.NoticeError("error starting connection manager: %s", err)
		return 1
	}

	systemStopSignal := make(chan os.Signal, 1)
	signal.Notify(systemStopSignal, os.Interrupt, syscall.SIGTERM)

	toggleSignal := make(chan os.Signal, 1)
	signal.Notify(toggleSignal, syscall.SIGHUP)

	reopenNoticeFileSignal := make(chan os.Signal, 1)
	signal.Notify(reopenNoticeFileSignal, syscall.SIGUSR1)

	// Run until the session ends, an OS stop signal, or an upgrade. SIGHUP
	// toggles the session without exiting.

	pausedByUser := false

	for {
		stateChange := manager.StateChangeSignal()

		if !pausedByUser && manager.GetState() == psiphon.ConnectionManagerStateStopped {
			psiphon.NoticeInfo("shutdown by connection manager")
			break
		}

		select {
		case <-stateChange:
			continue
		case <-toggleSignal:
			pausedByUser = manager.GetState() != psiphon.ConnectionManagerStateStopped
			manager.Toggle()
			continue
		case <-reopenNoticeFileSignal:
			err := psiphon.ReopenNoticeFile()
			if err != nil {
				psiphon.NoticeWarning("reopen notice file failed: %s", err)
			}
			continue
		case <-systemStopSignal:
			psiphon.NoticeInfo("shutdown by system")
		case <-upgradeTerminated:
			psiphon.NoticeInfo("shutdown for upgrade")
		}
		break
	}

	manager.Stop()
	psiphon.NoticeExiting()

	return 0
}

// newConnectionManager wires the connection manager to its platform
// collaborators. The returned channel is closed when an installed upgrade
// requests process termination.
func newConnectionManager(
	config *psiphon.Config,
	directory *psiphon.ServerDirectory) (*psiphon.ConnectionManager, <-chan struct{}, error) {

	stopFlag := psiphon.NewCancelFlag()

	components := &psiphon.ConnectionManagerComponents{
		StopFlag:  stopFlag,
		Directory: directory,
		Gateway:   psiphon.NewHTTPSRequestGateway(config),
		SSH:       psiphon.NewSSHTunnel(config, stopFlag),
		Tweaker:   psiphon.NewCommandTweaker(config.VPNTweakCommand, config.DNSTweakCommand),
	}

	if len(config.VPNHelperCommand) > 0 {
		vpn, err := psiphon.NewExecVPNTransport(
			config.VPNHelperCommand, config.GetVPNEstablishTimeout())
		if err != nil {
			return nil, nil, err
		}
		components.VPN = vpn
	} else if common.Contains(config.TransportStrategies, protocol.TRANSPORT_STRATEGY_VPN) {
		psiphon.NoticeWarning("no VPN helper command: VPN transport disabled")
		var strategies []string
		for _, strategy := range config.TransportStrategies {
			if strategy != protocol.TRANSPORT_STRATEGY_VPN {
				strategies = append(strategies, strategy)
			}
		}
		config.TransportStrategies = strategies
	}

	if len(config.HomePageOpenCommand) > 0 {
		components.HomePages = psiphon.NewBrowserHomePageLauncher(config.HomePageOpenCommand)
	}

	upgradeTerminated := make(chan struct{})
	var terminateOnce sync.Once

	components.Upgrader = psiphon.NewUpgrader(
		config.UpgradeArchiveSuffix,
		func(executablePath string) error {
			return psiphon.StartExecutable(executablePath, os.Args[1:])
		},
		func() {
			terminateOnce.Do(func() { close(upgradeTerminated) })
		})

	manager, err := psiphon.NewConnectionManager(config, components)
	if err != nil {
		return nil, nil, err
	}

	return manager, upgradeTerminated, nil
}
