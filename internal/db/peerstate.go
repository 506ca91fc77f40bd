// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package db

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/thaliproject/thali/lib/peer"
)

// PeerState is what we remember about a peer between runs.
type PeerState struct {
	Generation int       `json:"generation"`
	Address    string    `json:"address"`
	Transport  string    `json:"transport"`
	LastSeen   time.Time `json:"lastSeen"`
}

// PeerStore remembers the last known address of peers so that they can be
// dialed before they are heard from again.
type PeerStore struct {
	db     KV
	prefix string
}

func NewPeerStore(db KV) *PeerStore {
	return &PeerStore{
		db:     db,
		prefix: "peer/",
	}
}

// Get returns the stored state for a peer. The boolean is false when the
// peer is unknown.
func (s *PeerStore) Get(peerID string) (PeerState, bool, error) {
	data, err := s.db.GetKV(s.prefix + peerID)
	if err != nil {
		return PeerState{}, false, err
	}
	if data == nil {
		return PeerState{}, false, nil
	}
	var st PeerState
	if err := json.Unmarshal(data, &st); err != nil {
		return PeerState{}, false, fmt.Errorf("peer %s: %w", peerID, err)
	}
	return st, true, nil
}

// Remember stores the properties of a peer as seen now.
func (s *PeerStore) Remember(props peer.Properties) error {
	return s.put(props.ID, PeerState{
		Generation: props.Generation,
		Address:    props.Address,
		Transport:  props.Transport,
		LastSeen:   time.Now().UTC(),
	})
}

func (s *PeerStore) put(peerID string, st PeerState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.db.PutKV(s.prefix+peerID, data)
}

// Lookup returns the stored state as peer properties.
func (s *PeerStore) Lookup(peerID string) (peer.Properties, bool, error) {
	st, ok, err := s.Get(peerID)
	if err != nil || !ok {
		return peer.Properties{}, ok, err
	}
	return peer.Properties{ID: peerID, Generation: st.Generation, Address: st.Address, Transport: st.Transport}, true, nil
}

func (s *PeerStore) Delete(peerID string) error {
	return s.db.DeleteKV(s.prefix + peerID)
}

// All returns every stored peer keyed by ID.
func (s *PeerStore) All() (map[string]PeerState, error) {
	res := make(map[string]PeerState)
	err := s.db.PrefixKV(s.prefix, func(key string, val []byte) error {
		var st PeerState
		if err := json.Unmarshal(val, &st); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		res[strings.TrimPrefix(key, s.prefix)] = st
		return nil
	})
	return res, err
}

// Prune removes peers not seen since before the cutoff and returns how
// many were removed.
func (s *PeerStore) Prune(cutoff time.Time) (int, error) {
	all, err := s.All()
	if err != nil {
		return 0, err
	}
	n := 0
	for id, st := range all {
		if st.LastSeen.Before(cutoff) {
			if err := s.Delete(id); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}
