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
	std_errors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testUpgrade struct {
	upgrader            *Upgrader
	filename            string
	archiveFilename     string
	original            []byte
	launched            []string
	launchErr           error
	terminationRequests int
	teardownSuspensions int
	events              []string
}

func newTestUpgrade(t *testing.T) *testUpgrade {

	u := &testUpgrade{
		filename: filepath.Join(t.TempDir(), "psiphon-client"),
		original: []byte("#!/bin/sh\necho original\n"),
	}
	u.archiveFilename = u.filename + UPGRADE_ARCHIVE_SUFFIX

	require.NoError(t, os.WriteFile(u.filename, u.original, 0750))

	u.upgrader = NewUpgrader(
		UPGRADE_ARCHIVE_SUFFIX,
		func(filename string) error {
			u.launched = append(u.launched, filename)
			u.events = append(u.events, "launch")
			return u.launchErr
		},
		func() {
			u.terminationRequests += 1
			u.events = append(u.events, "terminate")
		})
	u.upgrader.executablePath = func() (string, error) { return u.filename, nil }

	return u
}

func (u *testUpgrade) run(download []byte) bool {
	return u.upgrader.Upgrade(download, func() {
		u.teardownSuspensions += 1
		u.events = append(u.events, "suspend")
	})
}

type failingUpgradeFile struct {
	upgradeFile
	failWrite  bool
	shortWrite bool
	failSync   bool
}

func (file *failingUpgradeFile) Write(p []byte) (int, error) {
	if !file.failWrite && !file.shortWrite {
		return file.upgradeFile.Write(p)
	}
	n, _ := file.upgradeFile.Write(p[:len(p)/2])
	if file.shortWrite {
		return n, nil
	}
	return n, std_errors.New("disk full")
}

func (file *failingUpgradeFile) Sync() error {
	if file.failSync {
		return std_errors.New("sync failed")
	}
	return file.upgradeFile.Sync()
}

func TestUpgrade(t *testing.T) {

	u := newTestUpgrade(t)
	require.NoError(t, os.WriteFile(u.archiveFilename, []byte("stale"), 0600))

	download := []byte("#!/bin/sh\necho upgraded version\n")

	assert.True(t, u.run(download))

	// The original was moved, not copied, to the archive path.
	archived, err := os.ReadFile(u.archiveFilename)
	require.NoError(t, err)
	assert.Equal(t, u.original, archived)

	installed, err := os.ReadFile(u.filename)
	require.NoError(t, err)
	assert.Equal(t, download, installed)
	assert.Len(t, installed, len(download))

	fileInfo, err := os.Stat(u.filename)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0750), fileInfo.Mode().Perm())

	assert.Equal(t, []string{u.filename}, u.launched)
	assert.Equal(t, 1, u.teardownSuspensions)
	assert.Equal(t, 1, u.terminationRequests)
	assert.Equal(t, []string{"launch", "suspend", "terminate"}, u.events)
}

func TestUpgradeWriteFailureRestores(t *testing.T) {

	testCases := []struct {
		description string
		file        failingUpgradeFile
	}{
		{"write error", failingUpgradeFile{failWrite: true}},
		{"short write", failingUpgradeFile{shortWrite: true}},
		{"sync error", failingUpgradeFile{failSync: true}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.description, func(t *testing.T) {

			u := newTestUpgrade(t)
			u.upgrader.createFile = func(filename string, mode os.FileMode) (upgradeFile, error) {
				file, err := createUpgradeFile(filename, mode)
				if err != nil {
					return nil, err
				}
				failing := testCase.file
				failing.upgradeFile = file
				return &failing, nil
			}

			assert.False(t, u.run([]byte("#!/bin/sh\necho upgraded version\n")))

			restored, err := os.ReadFile(u.filename)
			require.NoError(t, err)
			assert.Equal(t, u.original, restored)

			_, err = os.Stat(u.archiveFilename)
			assert.True(t, os.IsNotExist(err))

			assert.Empty(t, u.launched)
			assert.Zero(t, u.teardownSuspensions)
			assert.Zero(t, u.terminationRequests)
		})
	}
}

func TestUpgradeCreateFailureRestores(t *testing.T) {

	u := newTestUpgrade(t)
	u.upgrader.createFile = func(string, os.FileMode) (upgradeFile, error) {
		return nil, std_errors.New("create failed")
	}

	assert.False(t, u.run([]byte("upgrade")))

	restored, err := os.ReadFile(u.filename)
	require.NoError(t, err)
	assert.Equal(t, u.original, restored)
}

func TestUpgradeLaunchFailure(t *testing.T) {

	u := newTestUpgrade(t)
	u.launchErr = std_errors.New("launch failed")

	download := []byte("upgrade")
	assert.False(t, u.run(download))

	// The upgrade stays installed for the next start.
	installed, err := os.ReadFile(u.filename)
	require.NoError(t, err)
	assert.Equal(t, download, installed)

	assert.Equal(t, []string{u.filename}, u.launched)
	assert.Zero(t, u.terminationRequests)

	// A failed launch leaves teardown enabled.
	assert.Zero(t, u.teardownSuspensions)
	assert.Equal(t, []string{"launch"}, u.events)
}

func TestUpgradeMissingExecutable(t *testing.T) {

	u := newTestUpgrade(t)
	u.upgrader.executablePath = func() (string, error) {
		return "", std_errors.New("unknown executable")
	}
	assert.False(t, u.run([]byte("upgrade")))

	u = newTestUpgrade(t)
	require.NoError(t, os.Remove(u.filename))
	assert.False(t, u.run([]byte("upgrade")))
	_, err := os.Stat(u.filename)
	assert.True(t, os.IsNotExist(err))
}

func TestCopyFile(t *testing.T) {

	directory := t.TempDir()
	source := filepath.Join(directory, "source")
	destination := filepath.Join(directory, "destination")

	contents := make([]byte, 3*1024*1024+7)
	for i := range contents {
		contents[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(source, contents, 0700))

	require.NoError(t, copyFile(source, destination))

	copied, err := os.ReadFile(destination)
	require.NoError(t, err)
	assert.Equal(t, contents, copied)

	assert.Error(t, copyFile(filepath.Join(directory, "missing"), destination))
}

func TestStartExecutable(t *testing.T) {

	marker := filepath.Join(t.TempDir(), "marker")
	require.NoError(t, StartExecutable("/bin/sh", []string{"-c", "touch " + marker}))

	deadline := time.Now().Add(testStateTimeout)
	for {
		if _, err := os.Stat(marker); err == nil {
			break
		}
		require.True(t, time.Now().Before(deadline), "timeout waiting for executable")
		time.Sleep(testPollInterval)
	}

	assert.Error(t, StartExecutable(filepath.Join(t.TempDir(), "missing"), nil))
}
