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
	"encoding/binary"
	"sync"

	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-client-core/psiphon/common/protocol"
	"github.com/fxamacker/cbor/v2"
)

// ServerEntryStore persists the ordered server directory.
type ServerEntryStore interface {

	// LoadServerEntries returns the stored entries in directory order. An
	// empty store returns no entries and no error.
	LoadServerEntries() ([]*protocol.ServerEntry, error)

	// StoreServerEntries replaces the stored entries.
	StoreServerEntries(serverEntries []*protocol.ServerEntry) error
}

var datastoreServerEntriesBucket = []byte("serverEntries")

// DataStore is the bolt backed ServerEntryStore.
type DataStore struct {
	mutex sync.Mutex
	db    *datastoreDB
}

// OpenDataStore opens, creating if necessary, the data store in
// dataStoreDirectory. A corrupt data store file is deleted and recreated.
func OpenDataStore(dataStoreDirectory string) (*DataStore, error) {
	db, err := datastoreOpenDB(dataStoreDirectory)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &DataStore{db: db}, nil
}

func (store *DataStore) Close() error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if store.db == nil {
		return nil
	}
	err := store.db.close()
	store.db = nil
	return errors.Trace(err)
}

// LoadServerEntries implements ServerEntryStore. Records are keyed by
// rank, so a bucket scan returns directory order. Records which fail to
// decode are skipped.
func (store *DataStore) LoadServerEntries() ([]*protocol.ServerEntry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if store.db == nil {
		return nil, errors.TraceNew("data store closed")
	}

	var serverEntries []*protocol.ServerEntry

	err := store.db.view(func(tx *datastoreTx) error {
		cursor := tx.bucket(datastoreServerEntriesBucket).cursor()
		defer cursor.close()
		for key, value := cursor.first(); key != nil; key, value = cursor.next() {
			var serverEntry protocol.ServerEntry
			err := cbor.Unmarshal(value, &serverEntry)
			if err != nil {
				NoticeWarning("skipping undecodable server entry record: %s", errors.Trace(err))
				continue
			}
			serverEntries = append(serverEntries, &serverEntry)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	return serverEntries, nil
}

// StoreServerEntries implements ServerEntryStore.
func (store *DataStore) StoreServerEntries(serverEntries []*protocol.ServerEntry) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if store.db == nil {
		return errors.TraceNew("data store closed")
	}

	err := store.db.update(func(tx *datastoreTx) error {
		err := tx.clearBucket(datastoreServerEntriesBucket)
		if err != nil {
			return errors.Trace(err)
		}
		bucket := tx.bucket(datastoreServerEntriesBucket)
		for rank, serverEntry := range serverEntries {
			value, err := protocol.CBOREncoding.Marshal(serverEntry)
			if err != nil {
				return errors.Trace(err)
			}
			err = bucket.put(rankKey(rank), value)
			if err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	})
	return errors.Trace(err)
}

// rankKey encodes rank big endian so that the bolt key order is the rank
// order.
func rankKey(rank int) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, uint32(rank))
	return key
}
