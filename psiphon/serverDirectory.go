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
	"sync"

	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/protocol"
)

// ServerDirectory is the ordered list of candidate servers. The head of the
// list is the next server to try; a failed server moves to the end, so every
// other server is tried before a failed server is retried.
//
// When a store is configured, each change is written through to it. A store
// failure leaves the in-memory change in place and is returned to the caller.
type ServerDirectory struct {
	mutex         sync.Mutex
	serverEntries []*protocol.ServerEntry
	currentServer string
	store         ServerEntryStore
}

// NewServerDirectory initializes a directory from the store, when not nil,
// and the embedded server entries. Stored order takes precedence; embedded
// entries not already stored are appended.
func NewServerDirectory(
	embeddedServerEntries []*protocol.ServerEntry,
	store ServerEntryStore) (*ServerDirectory, error) {

	directory := &ServerDirectory{
		store: store,
	}

	if store != nil {
		storedServerEntries, err := store.LoadServerEntries()
		if err != nil {
			return nil, errors.Trace(err)
		}
		directory.serverEntries = storedServerEntries
	}

	added := directory.mergeEntries(embeddedServerEntries, false)

	if len(directory.serverEntries) == 0 {
		return nil, errors.TraceNew("no server entries")
	}

	if added > 0 && store != nil {
		err := store.StoreServerEntries(directory.serverEntries)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	return directory, nil
}

// GetNextServer returns the server to try next and makes it the current
// server.
func (directory *ServerDirectory) GetNextServer() (*protocol.ServerEntry, error) {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()

	if len(directory.serverEntries) == 0 {
		return nil, errors.TraceNew("server directory is empty")
	}

	serverEntry := directory.serverEntries[0]
	directory.currentServer = serverEntry.IpAddress
	return serverEntry, nil
}

// MarkCurrentServerFailed moves the server last returned by GetNextServer to
// the end of the list.
func (directory *ServerDirectory) MarkCurrentServerFailed() error {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()

	if directory.currentServer == "" {
		return nil
	}

	index := directory.indexOf(directory.currentServer)
	if index == -1 {
		return errors.Tracef("current server not found: %s", directory.currentServer)
	}

	serverEntry := directory.serverEntries[index]
	directory.serverEntries = append(
		directory.serverEntries[:index], directory.serverEntries[index+1:]...)
	directory.serverEntries = append(directory.serverEntries, serverEntry)

	return directory.persist()
}

// AddEntries merges discovered server entries into the directory. An entry
// for a known address replaces the existing entry in place; a new entry is
// appended. The number of new entries is returned.
func (directory *ServerDirectory) AddEntries(
	serverEntries []*protocol.ServerEntry) (int, error) {

	directory.mutex.Lock()
	defer directory.mutex.Unlock()

	if len(serverEntries) == 0 {
		return 0, nil
	}

	added := directory.mergeEntries(serverEntries, true)

	return added, directory.persist()
}

// ListAll returns a copy of the directory in order.
func (directory *ServerDirectory) ListAll() []*protocol.ServerEntry {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()

	return append([]*protocol.ServerEntry(nil), directory.serverEntries...)
}

// KnownServerAddresses returns the addresses of all servers in directory
// order.
func (directory *ServerDirectory) KnownServerAddresses() []string {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()

	addresses := make([]string, len(directory.serverEntries))
	for i, serverEntry := range directory.serverEntries {
		addresses[i] = serverEntry.IpAddress
	}
	return addresses
}

func (directory *ServerDirectory) Count() int {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()

	return len(directory.serverEntries)
}

func (directory *ServerDirectory) mergeEntries(
	serverEntries []*protocol.ServerEntry, replaceExisting bool) int {

	added := 0
	for _, serverEntry := range serverEntries {
		index := directory.indexOf(serverEntry.IpAddress)
		if index == -1 {
			directory.serverEntries = append(directory.serverEntries, serverEntry)
			added += 1
		} else if replaceExisting {
			directory.serverEntries[index] = serverEntry
		}
	}
	return added
}

func (directory *ServerDirectory) indexOf(ipAddress string) int {
	for i, serverEntry := range directory.serverEntries {
		if serverEntry.IpAddress == ipAddress {
			return i
		}
	}
	return -1
}

func (directory *ServerDirectory) persist() error {
	if directory.store == nil {
		return nil
	}
	err := directory.store.StoreServerEntries(directory.serverEntries)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}
