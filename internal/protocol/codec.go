// Package protocol frames and validates peer wire messages.
//
// Message header
//
//	(4) network magic
//	(12) command, NUL padded
//	(4) payload size
//	(4) checksum, only for protocol version >= 209
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	CommandSize = 12
	MaxPayload  = 0x02000000

	// ChecksumVersion is the first protocol version with a checksummed header.
	ChecksumVersion = 209

	magicSize = 4
)

var (
	ErrNeedMoreData  = errors.New("need more data")
	ErrInvalidHeader = errors.New("invalid message header")
)

// HeaderSize returns the header length for the stream version.
func HeaderSize(pver uint32) int {
	if pver >= ChecksumVersion {
		return magicSize + CommandSize + 4 + 4
	}
	return magicSize + CommandSize + 4
}

type Header struct {
	Magic       wire.BitcoinNet
	Command     string
	Length      uint32
	Checksum    [4]byte
	HasChecksum bool
}

type Codec struct {
	net   wire.BitcoinNet
	magic [magicSize]byte
}

func NewCodec(net wire.BitcoinNet) *Codec {
	c := Codec{net: net}
	binary.LittleEndian.PutUint32(c.magic[:], uint32(net))
	return &c
}

// Encode builds a full message: header followed by the payload.
func (c *Codec) Encode(command string, payload []byte, pver uint32) ([]byte, error) {
	if len(command) > CommandSize {
		return nil, fmt.Errorf("command %q is longer than %d bytes", command, CommandSize)
	}
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("payload of %d bytes exceeds %d", len(payload), MaxPayload)
	}
	size := HeaderSize(pver)
	msg := make([]byte, size+len(payload))
	copy(msg, c.magic[:])
	copy(msg[magicSize:magicSize+CommandSize], command)
	binary.LittleEndian.PutUint32(msg[magicSize+CommandSize:], uint32(len(payload)))
	if pver >= ChecksumVersion {
		sum := chainhash.DoubleHashB(payload)
		copy(msg[magicSize+CommandSize+4:size], sum[:4])
	}
	copy(msg[size:], payload)
	return msg, nil
}

// ParseHeader reads the header at the start of buf.
//
// When resync is set the stream lost its alignment, so buf is scanned for
// the magic first. On success n is the number of bytes up to the end of the
// header. On ErrNeedMoreData n is the number of leading bytes the caller may
// drop: everything before the magic, or all but the last header-size bytes
// when there is no usable match.
func (c *Codec) ParseHeader(buf []byte, pver uint32, resync bool) (*Header, int, error) {
	size := HeaderSize(pver)
	start := 0
	if resync {
		start = bytes.Index(buf, c.magic[:])
		if start < 0 || len(buf)-start < size {
			skip := 0
			if len(buf) > size {
				skip = len(buf) - size
			}
			return nil, skip, ErrNeedMoreData
		}
	} else if len(buf) < size {
		return nil, 0, ErrNeedMoreData
	}

	raw := buf[start : start+size]
	if !bytes.Equal(raw[:magicSize], c.magic[:]) {
		return nil, 0, fmt.Errorf("%w: magic %x, expected %x", ErrInvalidHeader, raw[:magicSize], c.magic)
	}
	command, err := parseCommand(raw[magicSize : magicSize+CommandSize])
	if err != nil {
		return nil, 0, err
	}
	hdr := Header{
		Magic:   c.net,
		Command: command,
		Length:  binary.LittleEndian.Uint32(raw[magicSize+CommandSize:]),
	}
	if hdr.Length > MaxPayload {
		return nil, 0, fmt.Errorf("%w: %s payload of %d bytes exceeds %d", ErrInvalidHeader, command, hdr.Length, MaxPayload)
	}
	if pver >= ChecksumVersion {
		copy(hdr.Checksum[:], raw[magicSize+CommandSize+4:])
		hdr.HasChecksum = true
	}
	return &hdr, start + size, nil
}

// command is printable ascii, NUL padded; nothing but NUL after the first NUL
func parseCommand(raw []byte) (string, error) {
	end := len(raw)
	for i, b := range raw {
		if b == 0 {
			if end == len(raw) {
				end = i
			}
			continue
		}
		if end != len(raw) {
			return "", fmt.Errorf("%w: command %q has data after NUL", ErrInvalidHeader, raw)
		}
		if b < ' ' || b > 0x7e {
			return "", fmt.Errorf("%w: command %q has non printable bytes", ErrInvalidHeader, raw)
		}
	}
	return string(raw[:end]), nil
}

// VerifyChecksum compares the payload hash with the header checksum.
// Headers without a checksum always verify.
func VerifyChecksum(payload []byte, hdr *Header) bool {
	if !hdr.HasChecksum {
		return true
	}
	sum := chainhash.DoubleHashB(payload)
	return bytes.Equal(sum[:4], hdr.Checksum[:])
}
