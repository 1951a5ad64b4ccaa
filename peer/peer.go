// Package peer implements the per-peer connection: handshake, the
// receive/send cooperative loops, and the four-axis choke/interest state
// machine (§4.D).
package peer

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/willf/bitset"
	"golang.org/x/sync/errgroup"

	"github.com/kelwon/goleech/internal/logging"
	"github.com/kelwon/goleech/message"
	"github.com/kelwon/goleech/piece"
)

var log = logging.For("peer")

const (
	connectTimeout        = 60 * time.Second
	readTimeout           = 3 * time.Second
	requestDelayAfterBlock = 100 * time.Millisecond
	requestDelayNoBlock    = 3 * time.Second
)

// PeerProtocolError reports a bad handshake, info-hash mismatch, or
// malformed frame. Fatal for that peer only (§7).
type PeerProtocolError struct {
	Peer string
	Msg  string
	Err  error
}

func (e *PeerProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("peer %s: %s: %v", e.Peer, e.Msg, e.Err)
	}
	return fmt.Sprintf("peer %s: %s", e.Peer, e.Msg)
}

func (e *PeerProtocolError) Unwrap() error { return e.Err }

// Addr is a dialable peer address, as returned by the tracker.
type Addr struct {
	IP   net.IP
	Port uint16
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// Session owns one peer's TCP connection and state machine. am_choking is
// always true: this client never seeds, so it never unchokes a peer.
type Session struct {
	addr     Addr
	conn     net.Conn
	remoteID [20]byte

	mu            sync.Mutex
	amInterested  bool
	peerChoking   bool
	peerInterested bool
	have          *bitset.BitSet
}

// Dial connects to addr, performs the handshake, and returns a Session
// ready to Run. Bytes beyond the handshake that arrive in the same read
// are retained as the head of the message stream (io.Reader semantics on
// conn already guarantee this — nothing is discarded).
func Dial(addr Addr, localPeerID, infoHash [20]byte) (*Session, error) {
	conn, err := net.DialTimeout("tcp", addr.String(), connectTimeout)
	if err != nil {
		return nil, err
	}

	conn.SetDeadline(time.Now().Add(connectTimeout))
	hs := message.NewHandshake(infoHash, localPeerID)
	if _, err := conn.Write(hs.Serialize()); err != nil {
		conn.Close()
		return nil, &PeerProtocolError{Peer: addr.String(), Msg: "writing handshake", Err: err}
	}
	resp, err := message.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, &PeerProtocolError{Peer: addr.String(), Msg: "reading handshake", Err: err}
	}
	if resp.InfoHash != infoHash {
		conn.Close()
		return nil, &PeerProtocolError{Peer: addr.String(), Msg: "info_hash mismatch"}
	}
	conn.SetDeadline(time.Time{})

	return &Session{
		addr:        addr,
		conn:        conn,
		remoteID:    resp.PeerID,
		peerChoking: true,
		have:        bitset.New(0),
	}, nil
}

// PeerID returns the identity used as the scheduler's requested_from key.
func (s *Session) PeerID() piece.PeerID { return piece.PeerID(s.addr.String()) }

// Close closes the underlying connection. Safe to call more than once.
func (s *Session) Close() error { return s.conn.Close() }

// bitfieldView adapts the session's have-set to piece.HaveBitfield.
type bitfieldView struct{ s *Session }

func (v bitfieldView) Test(index int) bool {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	return v.s.have.Test(uint(index))
}

// Run drives the receive and send loops until ctx is cancelled or a fatal
// protocol error occurs. On entering CONNECTED, it sends interested
// immediately, per §4.D.
func (s *Session) Run(ctx context.Context, mgr *piece.Manager) error {
	if err := s.sendRaw(&message.Message{ID: message.Interested}); err != nil {
		return &PeerProtocolError{Peer: s.addr.String(), Msg: "sending interested", Err: err}
	}
	s.mu.Lock()
	s.amInterested = true
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.receiveLoop(ctx, mgr) })
	g.Go(func() error { return s.sendLoop(ctx, mgr) })

	err := g.Wait()
	s.drainAndClose()
	return err
}

func (s *Session) sendRaw(m *message.Message) error {
	_, err := s.conn.Write(m.Serialize())
	return err
}

func (s *Session) receiveLoop(ctx context.Context, mgr *piece.Manager) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		m, err := message.Read(s.conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return &PeerProtocolError{Peer: s.addr.String(), Msg: "reading message", Err: err}
		}
		if m == nil {
			continue // keep-alive
		}
		if err := s.consume(ctx, mgr, m); err != nil {
			return err
		}
	}
}

func (s *Session) consume(ctx context.Context, mgr *piece.Manager, m *message.Message) error {
	switch m.ID {
	case message.Choke:
		s.mu.Lock()
		s.peerChoking = true
		s.mu.Unlock()
		mgr.ResetForPeerChoke(s.PeerID())
	case message.Unchoke:
		s.mu.Lock()
		s.peerChoking = false
		s.mu.Unlock()
		s.requestAfterDelay(ctx, mgr, 0)
	case message.Interested:
		s.mu.Lock()
		s.peerInterested = true
		s.mu.Unlock()
	case message.NotInterested:
		s.mu.Lock()
		s.peerInterested = false
		s.mu.Unlock()
	case message.Have:
		index, err := message.ParseHave(m)
		if err != nil {
			log.WithError(err).Debug("ignoring malformed have")
			return nil
		}
		s.mu.Lock()
		s.have.Set(uint(index))
		s.mu.Unlock()
	case message.Bitfield:
		bs, err := message.ParseBitfield(m, mgr.NumPieces())
		if err != nil {
			log.WithError(err).Debug("ignoring malformed bitfield")
			return nil
		}
		s.mu.Lock()
		s.have.InPlaceUnion(bs)
		s.mu.Unlock()
	case message.Piece:
		index, begin, data, err := parsePieceBlock(m)
		if err != nil {
			log.WithError(err).Debug("ignoring malformed piece")
			return nil
		}
		if ierr := mgr.OnBlock(s.PeerID(), index, begin, data); ierr != nil {
			log.WithError(ierr).WithField("piece", index).Debug("piece rejected")
		}
		s.requestAfterDelay(ctx, mgr, requestDelayAfterBlock)
	default:
		// Unknown message IDs (including cancel and request, which this
		// leech-only client never has to serve) are ignored, not fatal.
	}
	return nil
}

func (s *Session) requestAfterDelay(ctx context.Context, mgr *piece.Manager, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	s.mu.Lock()
	choking := s.peerChoking
	s.mu.Unlock()
	if choking {
		return
	}
	if req, ok := mgr.NextRequest(s.PeerID(), bitfieldView{s}); ok {
		s.sendRaw(message.FormatRequest(req.Index, req.Begin, req.Length))
	}
}

func (s *Session) sendLoop(ctx context.Context, mgr *piece.Manager) error {
	ticker := time.NewTicker(requestDelayNoBlock)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.mu.Lock()
			choking := s.peerChoking
			s.mu.Unlock()
			if choking {
				continue
			}
			if req, ok := mgr.NextRequest(s.PeerID(), bitfieldView{s}); ok {
				if err := s.sendRaw(message.FormatRequest(req.Index, req.Begin, req.Length)); err != nil {
					return &PeerProtocolError{Peer: s.addr.String(), Msg: "sending request", Err: err}
				}
			}
		}
	}
}

// drainAndClose closes the connection with a bounded timeout, never
// blocking indefinitely regardless of outstanding writes (§4.D).
func (s *Session) drainAndClose() {
	s.conn.SetDeadline(time.Now().Add(2 * time.Second))
	s.conn.Close()
}

// parsePieceBlock extracts (index, begin, block data) from a piece message
// without requiring a pre-sized destination buffer, since the piece
// manager owns block storage itself.
func parsePieceBlock(m *message.Message) (index, begin int, data []byte, err error) {
	if m.ID != message.Piece {
		return 0, 0, nil, fmt.Errorf("peer: expected PIECE, got %s", m.ID)
	}
	if len(m.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("peer: malformed PIECE payload length %d", len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	data = m.Payload[8:]
	return index, begin, data, nil
}
