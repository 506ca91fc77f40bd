// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/thaliproject/thali/lib/peer"
)

const (
	HelloMagic uint32 = 0x7A11C0DE

	maxHelloSize = 32767
)

var (
	// ErrUnknownMagic is returned by ExchangeHello when the other side
	// does not speak our protocol.
	ErrUnknownMagic  = errors.New("the remote peer speaks an unknown protocol")
	ErrHelloTooBig   = errors.New("hello message too big")
	ErrInvalidPeerID = errors.New("invalid peer identifier in hello")
	errMalformed     = errors.New("malformed hello")
)

// Hello is exchanged by both ends right after a peer connection is
// established.
type Hello struct {
	PeerID        string
	Generation    int
	ClientName    string
	ClientVersion string
	// Compression is set when the sender is willing to use LZ4 link
	// compression.
	Compression bool
}

const (
	helloFieldPeerID protowire.Number = iota + 1
	helloFieldGeneration
	helloFieldClientName
	helloFieldClientVersion
	helloFieldCompression
)

func (h Hello) marshal() []byte {
	var bs []byte
	bs = protowire.AppendTag(bs, helloFieldPeerID, protowire.BytesType)
	bs = protowire.AppendString(bs, h.PeerID)
	bs = protowire.AppendTag(bs, helloFieldGeneration, protowire.VarintType)
	bs = protowire.AppendVarint(bs, uint64(h.Generation))
	if h.ClientName != "" {
		bs = protowire.AppendTag(bs, helloFieldClientName, protowire.BytesType)
		bs = protowire.AppendString(bs, h.ClientName)
	}
	if h.ClientVersion != "" {
		bs = protowire.AppendTag(bs, helloFieldClientVersion, protowire.BytesType)
		bs = protowire.AppendString(bs, h.ClientVersion)
	}
	if h.Compression {
		bs = protowire.AppendTag(bs, helloFieldCompression, protowire.VarintType)
		bs = protowire.AppendVarint(bs, protowire.EncodeBool(true))
	}
	return bs
}

func unmarshalHello(bs []byte) (Hello, error) {
	var h Hello
	for len(bs) > 0 {
		num, typ, n := protowire.ConsumeTag(bs)
		if n < 0 {
			return Hello{}, fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(n))
		}
		bs = bs[n:]
		switch {
		case typ == protowire.BytesType && num == helloFieldPeerID,
			typ == protowire.BytesType && num == helloFieldClientName,
			typ == protowire.BytesType && num == helloFieldClientVersion:
			v, n := protowire.ConsumeString(bs)
			if n < 0 {
				return Hello{}, fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(n))
			}
			switch num {
			case helloFieldPeerID:
				h.PeerID = v
			case helloFieldClientName:
				h.ClientName = v
			default:
				h.ClientVersion = v
			}
			bs = bs[n:]
		case typ == protowire.VarintType && (num == helloFieldGeneration || num == helloFieldCompression):
			v, n := protowire.ConsumeVarint(bs)
			if n < 0 {
				return Hello{}, fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(n))
			}
			if num == helloFieldGeneration {
				h.Generation = int(v)
			} else {
				h.Compression = protowire.DecodeBool(v)
			}
			bs = bs[n:]
		default:
			// Unknown fields are skipped so that newer peers can add some.
			n := protowire.ConsumeFieldValue(num, typ, bs)
			if n < 0 {
				return Hello{}, fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(n))
			}
			bs = bs[n:]
		}
	}
	return h, nil
}

// ExchangeHello sends our hello and reads the remote one. The remote peer
// ID is returned in canonical form.
func ExchangeHello(c io.ReadWriter, h Hello) (Hello, error) {
	if err := writeHello(c, h); err != nil {
		return Hello{}, err
	}
	remote, err := readHello(c)
	if err != nil {
		return Hello{}, err
	}
	id, err := peer.CanonicalID(remote.PeerID)
	if err != nil {
		return Hello{}, fmt.Errorf("%w: %q", ErrInvalidPeerID, remote.PeerID)
	}
	remote.PeerID = id
	slog.Debug("Exchanged hello", slog.String("remote", remote.PeerID), slog.Int("generation", remote.Generation),
		slog.String("clientName", remote.ClientName), slog.String("clientVersion", remote.ClientVersion))
	return remote, nil
}

func readHello(c io.Reader) (Hello, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c, header); err != nil {
		return Hello{}, err
	}
	if magic := binary.BigEndian.Uint32(header); magic != HelloMagic {
		return Hello{}, fmt.Errorf("%w (magic 0x%08X)", ErrUnknownMagic, magic)
	}

	if _, err := io.ReadFull(c, header[:2]); err != nil {
		return Hello{}, err
	}
	size := binary.BigEndian.Uint16(header[:2])
	if size > maxHelloSize {
		return Hello{}, ErrHelloTooBig
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(c, buf); err != nil {
		return Hello{}, err
	}
	return unmarshalHello(buf)
}

func writeHello(c io.Writer, h Hello) error {
	msg := h.marshal()
	if len(msg) > maxHelloSize {
		return ErrHelloTooBig
	}
	header := make([]byte, 6, 6+len(msg))
	binary.BigEndian.PutUint32(header[:4], HelloMagic)
	binary.BigEndian.PutUint16(header[4:], uint16(len(msg)))
	_, err := c.Write(append(header, msg...))
	return err
}
