// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package db persists small pieces of state in a key-value store.
package db

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// KV is a simple key-value store. GetKV returns nil without error for a
// missing key.
type KV interface {
	GetKV(key string) ([]byte, error)
	PutKV(key string, val []byte) error
	DeleteKV(key string) error
	// PrefixKV calls fn for every key with the given prefix, in key order.
	PrefixKV(prefix string, fn func(key string, val []byte) error) error
	Close() error
}

// LevelDB is a KV backed by goleveldb.
type LevelDB struct {
	db *leveldb.DB
}

// OpenLevelDB opens or creates the database at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		OpenFilesCacheCapacity: 16,
		WriteBuffer:            1 << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &LevelDB{db: db}, nil
}

// OpenMemory returns a database that lives in memory only.
func OpenMemory() *LevelDB {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		// Opening memory storage does not fail.
		panic(err)
	}
	return &LevelDB{db: db}
}

func (l *LevelDB) GetKV(key string) ([]byte, error) {
	val, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	return val, err
}

func (l *LevelDB) PutKV(key string, val []byte) error {
	return l.db.Put([]byte(key), val, nil)
}

func (l *LevelDB) DeleteKV(key string) error {
	return l.db.Delete([]byte(key), nil)
}

func (l *LevelDB) PrefixKV(prefix string, fn func(key string, val []byte) error) error {
	it := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	for it.Next() {
		if err := fn(string(it.Key()), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}
