// Package client implements the top-level orchestrator: it owns the
// metainfo, the piece manager, the data writer, the tracker session, and
// the live peer set, and drives the tracker announce loop that keeps the
// peer set fresh until the download completes (§4.G).
package client

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/kelwon/goleech/internal/logging"
	"github.com/kelwon/goleech/metainfo"
	"github.com/kelwon/goleech/peer"
	"github.com/kelwon/goleech/piece"
	"github.com/kelwon/goleech/storage"
	"github.com/kelwon/goleech/tracker"
)

var log = logging.For("client")

const peerIDPrefix = "-BP0001-"

// GeneratePeerID builds a 20-byte peer id: the prefix followed by 12
// random decimal digits (§4.G, §6).
func GeneratePeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	digits := make([]byte, 12)
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return id, err
	}
	for i, b := range buf {
		digits[i] = '0' + b%10
	}
	copy(id[len(peerIDPrefix):], digits)
	return id, nil
}

type connectedPeer struct {
	session *peer.Session
	cancel  context.CancelFunc
}

// Client is a single torrent's orchestrator.
type Client struct {
	info     *metainfo.Info
	infoHash [20]byte
	peerID   [20]byte
	port     uint16

	tracker *tracker.Client
	mgr     *piece.Manager
	writer  *storage.Writer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	peers map[string]*connectedPeer
}

// Download runs the single torrent described by m to completion into
// outputDir, listening (nominally — inbound connections are never
// accepted) on listenPort. It returns when the torrent is fully
// downloaded or ctx is cancelled, always running the shutdown teardown
// first.
func Download(ctx context.Context, m *metainfo.Metainfo, outputDir string, listenPort uint16) error {
	peerID, err := GeneratePeerID()
	if err != nil {
		return fmt.Errorf("client: generating peer id: %w", err)
	}

	writer, err := storage.NewWriter(m.Info(), outputDir)
	if err != nil {
		return err
	}
	mgr := piece.NewManager(m.Info(), writer)

	urls := m.AnnounceURLs()
	if len(urls) == 0 {
		writer.Close()
		return fmt.Errorf("client: metainfo has no announce URL")
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &Client{
		info:     m.Info(),
		infoHash: m.InfoHash(),
		peerID:   peerID,
		port:     listenPort,
		tracker:  tracker.NewClient(urls[0]),
		mgr:      mgr,
		writer:   writer,
		ctx:      cctx,
		cancel:   cancel,
		peers:    make(map[string]*connectedPeer),
	}

	defer c.shutdown()
	return c.trackerLoop(ctx)
}

// trackerLoop drives announces on the caller's ctx (so a caller cancellation
// is noticed at the next announce boundary) but hands c.ctx — cancelled by
// shutdown regardless of the caller's ctx — to every peer goroutine it
// spawns, so completion (not just caller cancellation) tears down peers.
func (c *Client) trackerLoop(ctx context.Context) error {
	event := tracker.EventStarted
	for !c.mgr.IsComplete() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, err := c.tracker.Announce(ctx, tracker.AnnounceParams{
			InfoHash:   c.infoHash,
			PeerID:     c.peerID,
			Port:       c.port,
			Uploaded:   c.mgr.Uploaded(),
			Downloaded: c.mgr.Downloaded(),
			Left:       c.info.TotalLength() - c.mgr.Downloaded(),
			Event:      event,
		})
		if err != nil {
			log.WithError(err).Warn("tracker announce failed, will retry")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}
		event = tracker.EventNone

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.reconcilePeers(c.ctx, resp.Peers)
		}()

		interval := time.Duration(resp.Interval) * time.Second
		if interval <= 0 {
			interval = 30 * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil
}

// reconcilePeers disconnects peers absent from the new list, connects
// peers newly present, and leaves the rest untouched (§4.G).
func (c *Client) reconcilePeers(ctx context.Context, newPeers []tracker.Peer) {
	wanted := make(map[string]tracker.Peer, len(newPeers))
	for _, p := range newPeers {
		wanted[p.String()] = p
	}

	c.mu.Lock()
	var stale []string
	for addr := range c.peers {
		if _, ok := wanted[addr]; !ok {
			stale = append(stale, addr)
		}
	}
	c.mu.Unlock()
	for _, addr := range stale {
		c.disconnect(addr)
	}

	for addr, p := range wanted {
		c.mu.Lock()
		_, exists := c.peers[addr]
		c.mu.Unlock()
		if exists {
			continue
		}
		c.wg.Add(1)
		go func(p tracker.Peer) {
			defer c.wg.Done()
			c.connectPeer(ctx, p)
		}(p)
	}
}

func (c *Client) connectPeer(ctx context.Context, p tracker.Peer) {
	session, err := peer.Dial(peer.Addr{IP: p.IP, Port: p.Port}, c.peerID, c.infoHash)
	if err != nil {
		log.WithError(err).WithField("peer", p.String()).Debug("peer connect failed, skipping")
		return
	}

	peerCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.peers[p.String()] = &connectedPeer{session: session, cancel: cancel}
	c.mu.Unlock()

	err = session.Run(peerCtx, c.mgr)
	if err != nil {
		log.WithError(err).WithField("peer", p.String()).Debug("peer session ended")
	}

	c.mu.Lock()
	delete(c.peers, p.String())
	c.mu.Unlock()
	cancel()
}

func (c *Client) disconnect(addr string) {
	c.mu.Lock()
	cp, ok := c.peers[addr]
	if ok {
		delete(c.peers, addr)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	cp.cancel()
	cp.session.Close()
}

// shutdown announces "stopped", tears down every peer — connected or still
// connecting — closes the tracker session, and flushes the writer. It runs
// unconditionally even if the tracker loop returned an error (§4.G).
//
// c.cancel stops reconcilePeers/connectPeer goroutines that are still
// dialing or about to register themselves in c.peers, not just the ones
// already present there; c.wg.Wait blocks until every such goroutine has
// actually returned, so no peer connection outlives Download.
func (c *Client) shutdown() {
	c.announceStopped()
	c.cancel()

	c.mu.Lock()
	addrs := make([]string, 0, len(c.peers))
	for addr := range c.peers {
		addrs = append(addrs, addr)
	}
	c.mu.Unlock()
	for _, addr := range addrs {
		c.disconnect(addr)
	}

	c.wg.Wait()
	c.tracker.Close()

	if err := c.writer.Close(); err != nil {
		log.WithError(err).Warn("writer close failed during shutdown")
	}
}

// announceStopped is best-effort: a failed final announce does not block
// teardown, matching how tracker failures are handled in trackerLoop.
func (c *Client) announceStopped() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.tracker.Announce(ctx, tracker.AnnounceParams{
		InfoHash:   c.infoHash,
		PeerID:     c.peerID,
		Port:       c.port,
		Uploaded:   c.mgr.Uploaded(),
		Downloaded: c.mgr.Downloaded(),
		Left:       c.info.TotalLength() - c.mgr.Downloaded(),
		Event:      tracker.EventStopped,
	})
	if err != nil {
		log.WithError(err).Debug("stopped announce failed")
	}
}
