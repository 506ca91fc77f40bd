// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package peer describes remote peers as seen by the connection layer.
package peer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Properties identifies a remote peer and where it can be reached.
type Properties struct {
	// ID is the canonical (lower case, hyphenated) UUID of the peer.
	ID string `json:"peerIdentifier"`
	// Generation is bumped by the peer each time its advertised content
	// changes.
	Generation int `json:"generation"`
	// Address is the host:port the peer listens on for peer connections.
	Address string `json:"address,omitempty"`
	// Transport is the transport kind ("tcp" or "quic").
	Transport string `json:"transport,omitempty"`
}

func (p Properties) String() string {
	return fmt.Sprintf("%s (gen %d)", p.ID, p.Generation)
}

var ErrInvalidID = errors.New("invalid peer ID")

// NewID returns a fresh random peer ID.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id is a canonical peer ID.
func ValidID(id string) bool {
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return u.String() == strings.ToLower(id) && len(id) == 36
}

// CanonicalID parses id and returns its canonical form.
func CanonicalID(id string) (string, error) {
	u, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", fmt.Errorf("%w %q: %w", ErrInvalidID, id, err)
	}
	return u.String(), nil
}
