/*
   Copyright The updatekit Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package prefs is a small persistent key/value store for update-attempt
// state: last verification outcome per slot, attempt timestamps and the
// like. The verification core itself never touches it; tooling does.
package prefs

import (
	"fmt"

	"github.com/containerd/errdefs"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("prefs")

// ErrNotFound is returned by GetString for keys that were never set.
var ErrNotFound = errdefs.ErrNotFound

// Store is a bbolt-backed preference store.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening prefs store %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing prefs store: %w", err)
	}
	return &Store{db: db}, nil
}

// SetString stores value under key.
func (s *Store) SetString(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), []byte(value))
	})
}

// GetString returns the value stored under key, or ErrNotFound.
func (s *Store) GetString(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("pref %q: %w", key, ErrNotFound)
		}
		value = string(v)
		return nil
	})
	return value, err
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
