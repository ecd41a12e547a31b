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
	"io"
	"os"
	"os/exec"

	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/errors"
)

type upgradeFile interface {
	io.Writer
	Sync() error
	Close() error
}

// Upgrader replaces the running executable with a downloaded upgrade and
// relaunches.
//
// The running executable is renamed to an archive filename and the upgrade
// is written to the original filename. This works where a running binary
// can't be modified or deleted, and leaves the previous version available
// for rollback.
type Upgrader struct {
	archiveSuffix      string
	launch             func(executablePath string) error
	requestTermination func()
	executablePath     func() (string, error)
	createFile         func(filename string, mode os.FileMode) (upgradeFile, error)
}

// NewUpgrader creates an Upgrader. launch starts the new executable;
// requestTermination asks the host process to exit once the new executable
// is running.
func NewUpgrader(
	archiveSuffix string,
	launch func(executablePath string) error,
	requestTermination func()) *Upgrader {

	return &Upgrader{
		archiveSuffix:      archiveSuffix,
		launch:             launch,
		requestTermination: requestTermination,
		executablePath:     os.Executable,
		createFile:         createUpgradeFile,
	}
}

func createUpgradeFile(filename string, mode os.FileMode) (upgradeFile, error) {
	file, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewSyncFileWriter(file), nil
}

// Upgrade installs the upgrade. It returns true when the new executable is
// installed and running and process termination has been requested. When
// false is returned the caller proceeds with the current process; any
// failure before the new executable is installed restores the previous
// executable.
//
// suspendTeardown, when not nil, is called once the new executable is
// running and before termination is requested, so that the exiting process
// leaves its connection for the new process.
func (upgrader *Upgrader) Upgrade(download []byte, suspendTeardown func()) bool {

	filename, err := upgrader.executablePath()
	if err != nil {
		NoticeError("upgrade: executable path failed: %s", errors.Trace(err))
		return false
	}

	archiveFilename := filename + upgrader.archiveSuffix

	fileInfo, err := os.Stat(filename)
	if err != nil {
		NoticeError("upgrade: stat failed: %s", errors.Trace(err))
		return false
	}

	if common.FileExists(archiveFilename) {
		err = os.Remove(archiveFilename)
		if err != nil {
			NoticeError("upgrade: remove archive failed: %s", errors.Trace(err))
			return false
		}
	}

	err = os.Rename(filename, archiveFilename)
	if err != nil {
		NoticeError("upgrade: archive failed: %s", errors.Trace(err))
		return false
	}

	err = upgrader.writeExecutable(filename, fileInfo.Mode().Perm(), download)
	if err != nil {
		NoticeError("upgrade: write failed: %s", errors.Trace(err))
		upgrader.restoreArchive(filename, archiveFilename)
		return false
	}

	NoticeClientUpgradeInstalled(filename)

	// The new executable remains installed when it fails to launch; it will
	// run on the next start. Teardown is not yet suspended, so the current
	// process keeps its normal cleanup.
	err = upgrader.launch(filename)
	if err != nil {
		NoticeError("upgrade: launch failed: %s", errors.Trace(err))
		return false
	}

	if suspendTeardown != nil {
		suspendTeardown()
	}

	upgrader.requestTermination()

	return true
}

func (upgrader *Upgrader) writeExecutable(
	filename string, mode os.FileMode, download []byte) error {

	file, err := upgrader.createFile(filename, mode)
	if err != nil {
		return errors.Trace(err)
	}

	n, err := file.Write(download)
	if err == nil && n != len(download) {
		err = io.ErrShortWrite
	}
	if err == nil {
		err = file.Sync()
	}
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

// restoreArchive puts the archived executable back at its original path.
// This is best effort; a rename failure falls back to a copy.
func (upgrader *Upgrader) restoreArchive(filename, archiveFilename string) {

	os.Remove(filename)

	err := os.Rename(archiveFilename, filename)
	if err == nil {
		return
	}
	NoticeWarning("upgrade: restore rename failed: %s", errors.Trace(err))

	err = copyFile(archiveFilename, filename)
	if err != nil {
		NoticeError("upgrade: restore copy failed: %s", errors.Trace(err))
	}
}

func copyFile(source, destination string) error {

	sourceFile, err := os.Open(source)
	if err != nil {
		return errors.Trace(err)
	}
	defer sourceFile.Close()

	fileInfo, err := sourceFile.Stat()
	if err != nil {
		return errors.Trace(err)
	}

	destinationFile, err := os.OpenFile(
		destination, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileInfo.Mode().Perm())
	if err != nil {
		return errors.Trace(err)
	}

	_, err = io.Copy(NewSyncFileWriter(destinationFile), sourceFile)
	if err == nil {
		err = destinationFile.Sync()
	}
	closeErr := destinationFile.Close()
	if err == nil {
		err = closeErr
	}
	return errors.Trace(err)
}

// StartExecutable launches the executable with the given arguments,
// attached to the current process's standard streams, and does not wait
// for it to exit.
func StartExecutable(executablePath string, args []string) error {
	cmd := exec.Command(executablePath, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err := cmd.Start()
	if err != nil {
		return errors.Trace(err)
	}
	go cmd.Wait()
	return nil
}
