// Copyright 2025 The Coral Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package boltrecords persists build records between CLI runs.
package boltrecords

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/coral-run/coral/build"
)

var buildsBucket = []byte("builds")

type Store struct {
	db *bolt.DB
}

var _ build.Records = (*Store)(nil)

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(buildsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(hash string) (*build.Record, error) {
	var rec *build.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(buildsBucket).Get([]byte(hash))
		if raw == nil {
			return nil
		}
		var decoded build.Record
		if err := json.Unmarshal(raw, &decoded); err != nil {
			// Skip records written by an incompatible version.
			return nil
		}
		rec = &decoded
		return nil
	})
	return rec, err
}

func (s *Store) Put(rec *build.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(buildsBucket).Put([]byte(rec.SpecHash), raw)
	})
}

func (s *Store) List() ([]build.Record, error) {
	var out []build.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(buildsBucket).ForEach(func(k, v []byte) error {
			var rec build.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (s *Store) Delete(hash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(buildsBucket).Delete([]byte(hash))
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}
