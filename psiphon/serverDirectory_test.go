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
	"testing"

	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerDirectoryRotation(t *testing.T) {

	serverEntries := makeTestServerEntries(3)
	directory, err := NewServerDirectory(serverEntries, nil)
	require.NoError(t, err)

	// Marking before any selection does nothing.
	require.NoError(t, directory.MarkCurrentServerFailed())

	serverEntry, err := directory.GetNextServer()
	require.NoError(t, err)
	assert.Equal(t, serverEntries[0].IpAddress, serverEntry.IpAddress)

	// Without a failure, the same server is returned again.
	serverEntry, err = directory.GetNextServer()
	require.NoError(t, err)
	assert.Equal(t, serverEntries[0].IpAddress, serverEntry.IpAddress)

	var tried []string
	for i := 0; i < 4; i++ {
		serverEntry, err := directory.GetNextServer()
		require.NoError(t, err)
		tried = append(tried, serverEntry.IpAddress)
		require.NoError(t, directory.MarkCurrentServerFailed())
	}

	// Every server is tried before a failed server is retried.
	assert.Equal(t,
		[]string{
			serverEntries[0].IpAddress,
			serverEntries[1].IpAddress,
			serverEntries[2].IpAddress,
			serverEntries[0].IpAddress,
		},
		tried)

	assert.Equal(t,
		[]string{
			serverEntries[1].IpAddress,
			serverEntries[2].IpAddress,
			serverEntries[0].IpAddress,
		},
		serverAddresses(directory.ListAll()))
}

func TestServerDirectoryEmpty(t *testing.T) {
	_, err := NewServerDirectory(nil, nil)
	assert.Error(t, err)

	_, err = NewServerDirectory(nil, &memoryServerEntryStore{})
	assert.Error(t, err)
}

func TestServerDirectoryAddEntries(t *testing.T) {

	store := &memoryServerEntryStore{}
	directory, err := NewServerDirectory(makeTestServerEntries(2), store)
	require.NoError(t, err)
	assert.Equal(t, 1, store.stores)

	replacement := makeTestServerEntry(2)
	replacement.Region = "US"
	discovered := []*protocol.ServerEntry{
		replacement,
		makeTestServerEntry(5),
		makeTestServerEntry(5),
	}

	added, err := directory.AddEntries(discovered)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	serverEntries := directory.ListAll()
	assert.Equal(t,
		[]string{"192.0.2.1", "192.0.2.2", "192.0.2.5"},
		serverAddresses(serverEntries))
	assert.Equal(t, "US", serverEntries[1].Region)
	assert.Equal(t, serverAddresses(serverEntries), store.addresses())
	assert.Equal(t, 3, directory.Count())
	assert.Equal(t, serverAddresses(serverEntries), directory.KnownServerAddresses())

	added, err = directory.AddEntries(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, 2, store.stores)
}

func TestServerDirectoryStoredOrder(t *testing.T) {

	serverEntries := makeTestServerEntries(3)
	store := &memoryServerEntryStore{
		serverEntries: []*protocol.ServerEntry{serverEntries[2], serverEntries[0]},
	}

	directory, err := NewServerDirectory(serverEntries, store)
	require.NoError(t, err)

	// Stored order wins; the new embedded entry is appended and stored.
	expected := []string{"192.0.2.3", "192.0.2.1", "192.0.2.2"}
	assert.Equal(t, expected, serverAddresses(directory.ListAll()))
	assert.Equal(t, expected, store.addresses())

	serverEntry, err := directory.GetNextServer()
	require.NoError(t, err)
	require.NoError(t, directory.MarkCurrentServerFailed())
	assert.Equal(t, serverEntry.IpAddress, store.addresses()[2])
}

func TestServerDirectoryStoreFailure(t *testing.T) {

	store := &failingServerEntryStore{serverEntries: makeTestServerEntries(2)}
	directory, err := NewServerDirectory(nil, store)
	require.NoError(t, err)

	_, err = directory.GetNextServer()
	require.NoError(t, err)

	// The in-memory change is kept.
	assert.Error(t, directory.MarkCurrentServerFailed())
	assert.Equal(t, []string{"192.0.2.2", "192.0.2.1"}, serverAddresses(directory.ListAll()))

	added, err := directory.AddEntries([]*protocol.ServerEntry{makeTestServerEntry(3)})
	assert.Error(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 3, directory.Count())
}
