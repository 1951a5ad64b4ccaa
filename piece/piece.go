// Package piece implements the scheduler: block-level request selection,
// piece assembly, and SHA-1 verification.
package piece

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"sync"

	"github.com/kelwon/goleech/internal/logging"
	"github.com/kelwon/goleech/metainfo"
)

var log = logging.For("piece")

// BlockLength is the standard request block size (§4.D).
const BlockLength = 16384

// PieceIntegrityError reports a SHA-1 mismatch on a fully-assembled piece.
// It is recoverable: the piece is reset and rescheduled.
type PieceIntegrityError struct {
	Index int
}

func (e *PieceIntegrityError) Error() string {
	return "piece: hash mismatch on piece"
}

// PeerID identifies a peer for the purposes of the requested_from sets. The
// orchestrator uses the remote address; any comparable value works.
type PeerID string

// Request is a single block request, as sent over the wire.
type Request struct {
	Index  int
	Begin  int
	Length int
}

type block struct {
	begin        int
	length       int
	received     bool
	data         []byte
	requestedBy  map[PeerID]bool
}

type piece struct {
	index         int
	length        int
	hash          [20]byte
	blocks        []*block
	complete      bool
	requestedBy   map[PeerID]bool
}

func newPiece(index int, length int, hash [20]byte) *piece {
	p := &piece{index: index, length: length, hash: hash, requestedBy: make(map[PeerID]bool)}
	for begin := 0; begin < length; begin += BlockLength {
		l := BlockLength
		if begin+l > length {
			l = length - begin
		}
		p.blocks = append(p.blocks, &block{begin: begin, length: l, requestedBy: make(map[PeerID]bool)})
	}
	return p
}

func (p *piece) allBlocksReceived() bool {
	for _, b := range p.blocks {
		if !b.received {
			return false
		}
	}
	return true
}

func (p *piece) assemble() []byte {
	out := make([]byte, p.length)
	for _, b := range p.blocks {
		copy(out[b.begin:], b.data)
	}
	return out
}

func (p *piece) reset() {
	for _, b := range p.blocks {
		b.received = false
		b.data = nil
		b.requestedBy = make(map[PeerID]bool)
	}
	p.requestedBy = make(map[PeerID]bool)
}

// HaveBitfield reports, per piece index, whether a peer advertises it.
type HaveBitfield interface {
	Test(index int) bool
}

// Writer is the sink for verified piece data (implemented by storage.Writer).
type Writer interface {
	WritePiece(index int, data []byte) error
}

// Manager is the single-writer scheduler described in §4.E. All three
// public operations are serialized by mu.
type Manager struct {
	mu      sync.Mutex
	pieces  []*piece
	writer  Writer
	downloaded int64
	uploaded   int64
}

// NewManager builds a Manager for the given torrent metainfo and writer.
func NewManager(info *metainfo.Info, writer Writer) *Manager {
	m := &Manager{writer: writer}
	n := info.NumPieces()
	m.pieces = make([]*piece, n)
	for i := 0; i < n; i++ {
		m.pieces[i] = newPiece(i, int(info.PieceLengthAt(i)), info.PieceHash(i))
	}
	return m
}

// NextRequest returns a request for a block the peer can supply and has not
// already been asked for, scanning pieces then blocks in ascending index
// order (§4.E).
func (m *Manager) NextRequest(peer PeerID, have HaveBitfield) (*Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.pieces {
		if p.complete {
			continue
		}
		if !have.Test(p.index) {
			continue
		}
		if p.requestedBy[peer] {
			continue
		}
		for _, b := range p.blocks {
			if b.received || b.requestedBy[peer] {
				continue
			}
			b.requestedBy[peer] = true
			if allBlocksRequestedBy(p, peer) {
				p.requestedBy[peer] = true
			}
			return &Request{Index: p.index, Begin: b.begin, Length: b.length}, true
		}
	}
	return nil, false
}

func allBlocksRequestedBy(p *piece, peer PeerID) bool {
	for _, b := range p.blocks {
		if !b.received && !b.requestedBy[peer] {
			return false
		}
	}
	return true
}

// OnBlock records an arriving block. If it completes its piece, the piece
// is verified and, on success, handed to the writer.
func (m *Manager) OnBlock(peer PeerID, index, begin int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.pieces) {
		return fmt.Errorf("piece: index %d out of range", index)
	}
	p := m.pieces[index]
	if p.complete {
		return nil
	}
	var target *block
	for _, b := range p.blocks {
		if b.begin == begin {
			target = b
			break
		}
	}
	if target == nil || target.received {
		return nil
	}
	target.data = append([]byte(nil), data...)
	target.received = true
	m.downloaded += int64(len(data))

	if !p.allBlocksReceived() {
		return nil
	}

	assembled := p.assemble()
	sum := sha1.Sum(assembled)
	if !bytes.Equal(sum[:], p.hash[:]) {
		log.WithField("piece", index).Warn("piece hash mismatch, rescheduling")
		p.reset()
		return &PieceIntegrityError{Index: index}
	}

	p.complete = true
	if err := m.writer.WritePiece(index, assembled); err != nil {
		return err
	}
	return nil
}

// IsComplete reports whether every piece has been verified and written.
func (m *Manager) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pieces {
		if !p.complete {
			return false
		}
	}
	return true
}

// Downloaded returns the total payload bytes accepted so far.
func (m *Manager) Downloaded() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloaded
}

// Uploaded returns the total payload bytes sent so far. This client never
// unchokes a peer, so it is always zero; exposed for tracker announces.
func (m *Manager) Uploaded() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploaded
}

// NumPieces returns the total piece count.
func (m *Manager) NumPieces() int {
	return len(m.pieces)
}

// ResetForPeerChoke voids a peer's outstanding block reservations after it
// chokes us, so the scheduler can hand those blocks to the same peer again
// once it unchokes. Other peers are not affected: NextRequest only consults
// the asking peer's own reservations, so those blocks stay requestable from
// them throughout.
func (m *Manager) ResetForPeerChoke(peer PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pieces {
		if p.complete {
			continue
		}
		delete(p.requestedBy, peer)
		for _, b := range p.blocks {
			if !b.received {
				delete(b.requestedBy, peer)
			}
		}
	}
}
