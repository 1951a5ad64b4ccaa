// Package message implements the BitTorrent peer wire protocol: the
// handshake and the length-prefixed message framing used over the TCP
// connection to a peer.
package message

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/willf/bitset"
)

const protocolID = "BitTorrent protocol"

// Handshake is the fixed-size peer handshake (68 bytes for the standard
// protocol string).
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds a handshake for the given info hash and peer id.
func NewHandshake(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{InfoHash: infoHash, PeerID: peerID}
}

// Serialize encodes the handshake to its wire form.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, len(protocolID)+49)
	buf[0] = byte(len(protocolID))
	curr := 1
	curr += copy(buf[curr:], protocolID)
	curr += copy(buf[curr:], make([]byte, 8)) // reserved
	curr += copy(buf[curr:], h.InfoHash[:])
	copy(buf[curr:], h.PeerID[:])
	return buf
}

// ReadHandshake reads and validates a handshake from r. Per the protocol's
// tolerance for future revisions, pstrlen and the protocol string itself
// are not checked against a fixed value — only the trailing 20-byte
// info_hash and peer_id fields, whose offsets are pstrlen-relative, are
// relied upon.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	lenBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, fmt.Errorf("message: read handshake pstrlen: %w", err)
	}
	pstrlen := int(lenBuf[0])
	if pstrlen == 0 {
		return nil, fmt.Errorf("message: handshake pstrlen must be non-zero")
	}

	rest := make([]byte, pstrlen+48)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("message: read handshake body: %w", err)
	}

	var h Handshake
	copy(h.InfoHash[:], rest[pstrlen+8:pstrlen+28])
	copy(h.PeerID[:], rest[pstrlen+28:pstrlen+48])
	return &h, nil
}

// ID identifies a message's wire type.
type ID uint8

const (
	Choke ID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is a single framed peer-protocol message. A nil *Message
// represents the zero-length keep-alive.
type Message struct {
	ID      ID
	Payload []byte
}

// Serialize encodes m to its length-prefixed wire form.
func (m *Message) Serialize() []byte {
	if m == nil {
		return []byte{0, 0, 0, 0}
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// maxMessageLength bounds the length prefix accepted by Read: a full piece
// message carries at most a 16KiB block plus an 8-byte header, so anything
// far beyond that is a malicious or corrupt length prefix, not a real
// message.
const maxMessageLength = 1 << 20

// Read reads a single framed message from r, returning (nil, nil) for a
// keep-alive.
func Read(r io.Reader) (*Message, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length == 0 {
		return nil, nil
	}
	if length > maxMessageLength {
		return nil, fmt.Errorf("message: length prefix %d exceeds maximum %d", length, maxMessageLength)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return &Message{ID: ID(buf[0]), Payload: buf[1:]}, nil
}

// FormatRequest builds a request message for a single block.
func FormatRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: Request, Payload: payload}
}

// FormatCancel builds a cancel message for a single block.
func FormatCancel(index, begin, length int) *Message {
	m := FormatRequest(index, begin, length)
	m.ID = Cancel
	return m
}

// FormatHave builds a have message announcing piece index.
func FormatHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

// ParseHave extracts the piece index from a have message.
func ParseHave(m *Message) (int, error) {
	if m.ID != Have {
		return 0, fmt.Errorf("message: expected HAVE, got %s", m.ID)
	}
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("message: malformed HAVE payload length %d", len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// ParsePiece copies a piece message's block data into buf at the offset
// given by the message's begin field, returning the number of bytes
// copied. peer.Session uses its own lighter parse (no destination buffer,
// since the piece manager owns block storage) that checks only the message
// ID and the minimum payload length; the index and begin checks made here
// are left to piece.Manager.OnBlock on that path.
func ParsePiece(index int, buf []byte, m *Message) (int, error) {
	if m.ID != Piece {
		return 0, fmt.Errorf("message: expected PIECE, got %s", m.ID)
	}
	if len(m.Payload) < 8 {
		return 0, fmt.Errorf("message: malformed PIECE payload length %d", len(m.Payload))
	}
	parsedIndex := int(binary.BigEndian.Uint32(m.Payload[0:4]))
	if parsedIndex != index {
		return 0, fmt.Errorf("message: expected piece index %d, got %d", index, parsedIndex)
	}
	begin := int(binary.BigEndian.Uint32(m.Payload[4:8]))
	if begin >= len(buf) {
		return 0, fmt.Errorf("message: begin offset %d beyond piece length %d", begin, len(buf))
	}
	data := m.Payload[8:]
	if begin+len(data) > len(buf) {
		return 0, fmt.Errorf("message: block data exceeds piece bounds")
	}
	copy(buf[begin:], data)
	return len(data), nil
}

// ParseRequest extracts index/begin/length from a request or cancel message.
func ParseRequest(m *Message) (index, begin, length int, err error) {
	if m.ID != Request && m.ID != Cancel {
		return 0, 0, 0, fmt.Errorf("message: expected REQUEST or CANCEL, got %s", m.ID)
	}
	if len(m.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("message: malformed payload length %d", len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(m.Payload[8:12]))
	return index, begin, length, nil
}

// FormatBitfield encodes a bitset of numPieces bits into a bitfield message,
// using the wire protocol's MSB-first byte layout.
func FormatBitfield(bs *bitset.BitSet, numPieces int) *Message {
	return &Message{ID: Bitfield, Payload: BitsetToWire(bs, numPieces)}
}

// ParseBitfield decodes a bitfield message's payload into a bitset of
// numPieces bits.
func ParseBitfield(m *Message, numPieces int) (*bitset.BitSet, error) {
	if m.ID != Bitfield {
		return nil, fmt.Errorf("message: expected BITFIELD, got %s", m.ID)
	}
	wantLen := (numPieces + 7) / 8
	if len(m.Payload) != wantLen {
		return nil, fmt.Errorf("message: bitfield length %d does not match expected %d for %d pieces", len(m.Payload), wantLen, numPieces)
	}
	return WireToBitset(m.Payload, numPieces), nil
}

// BitsetToWire renders a bitset as MSB-first bytes, one bit per piece index,
// matching the wire protocol's bitfield layout.
func BitsetToWire(bs *bitset.BitSet, numPieces int) []byte {
	out := make([]byte, (numPieces+7)/8)
	for i := 0; i < numPieces; i++ {
		if bs.Test(uint(i)) {
			out[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return out
}

// WireToBitset parses MSB-first bitfield bytes into a bitset.
func WireToBitset(b []byte, numPieces int) *bitset.BitSet {
	bs := bitset.New(uint(numPieces))
	for i := 0; i < numPieces; i++ {
		byteIdx := i / 8
		if byteIdx >= len(b) {
			break
		}
		if b[byteIdx]&(1<<(7-uint(i%8))) != 0 {
			bs.Set(uint(i))
		}
	}
	return bs
}
