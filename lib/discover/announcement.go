// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discover

import (
	"encoding/binary"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const Magic uint32 = 0x7A11D15C

var (
	ErrShortPacket = errors.New("short announcement packet")
	ErrBadMagic    = errors.New("incorrect announcement magic")
	errMalformed   = errors.New("malformed announcement")
)

// Announcement is broadcast by advertising peers.
type Announcement struct {
	PeerID     string
	Generation int
	Transport  string
	Port       int
	// InstanceID changes each time the peer process restarts.
	InstanceID int64
}

const (
	fieldPeerID protowire.Number = iota + 1
	fieldGeneration
	fieldTransport
	fieldPort
	fieldInstanceID
)

// appendPacket appends the magic and the encoded announcement to msg.
func (a Announcement) appendPacket(msg []byte) []byte {
	msg = binary.BigEndian.AppendUint32(msg, Magic)
	msg = protowire.AppendTag(msg, fieldPeerID, protowire.BytesType)
	msg = protowire.AppendString(msg, a.PeerID)
	msg = protowire.AppendTag(msg, fieldGeneration, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(a.Generation))
	msg = protowire.AppendTag(msg, fieldTransport, protowire.BytesType)
	msg = protowire.AppendString(msg, a.Transport)
	msg = protowire.AppendTag(msg, fieldPort, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(a.Port))
	msg = protowire.AppendTag(msg, fieldInstanceID, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(a.InstanceID))
	return msg
}

func parseAnnouncement(pkt []byte) (Announcement, error) {
	if len(pkt) < 4 {
		return Announcement{}, ErrShortPacket
	}
	if magic := binary.BigEndian.Uint32(pkt); magic != Magic {
		return Announcement{}, fmt.Errorf("%w: 0x%08X", ErrBadMagic, magic)
	}
	bs := pkt[4:]
	var a Announcement
	for len(bs) > 0 {
		num, typ, n := protowire.ConsumeTag(bs)
		if n < 0 {
			return Announcement{}, fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(n))
		}
		bs = bs[n:]
		switch {
		case typ == protowire.BytesType && (num == fieldPeerID || num == fieldTransport):
			v, n := protowire.ConsumeString(bs)
			if n < 0 {
				return Announcement{}, fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(n))
			}
			if num == fieldPeerID {
				a.PeerID = v
			} else {
				a.Transport = v
			}
			bs = bs[n:]
		case typ == protowire.VarintType && (num == fieldGeneration || num == fieldPort || num == fieldInstanceID):
			v, n := protowire.ConsumeVarint(bs)
			if n < 0 {
				return Announcement{}, fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(n))
			}
			switch num {
			case fieldGeneration:
				a.Generation = int(v)
			case fieldPort:
				a.Port = int(v)
			default:
				a.InstanceID = int64(v)
			}
			bs = bs[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, bs)
			if n < 0 {
				return Announcement{}, fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(n))
			}
			bs = bs[n:]
		}
	}
	if a.Port <= 0 || a.Port > 65535 {
		return Announcement{}, fmt.Errorf("%w: port %d", errMalformed, a.Port)
	}
	return a, nil
}
