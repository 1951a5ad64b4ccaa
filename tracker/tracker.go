// Package tracker implements the HTTP tracker announce protocol: building
// the announce request, decoding its bencoded response (both compact and
// dictionary peer-list forms), and retrying transient failures.
package tracker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kelwon/goleech/bencode"
	"github.com/kelwon/goleech/internal/logging"
)

var log = logging.For("tracker")

// TrackerError reports a tracker request that failed or returned a
// malformed response. It is recoverable: the caller should re-announce
// later (§7).
type TrackerError struct {
	Msg string
	Err error
}

func (e *TrackerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tracker: %s: %v", e.Msg, e.Err)
	}
	return "tracker: " + e.Msg
}

func (e *TrackerError) Unwrap() error { return e.Err }

func trackerErr(msg string, err error) error { return &TrackerError{Msg: msg, Err: err} }

// Peer is one peer address returned by a tracker.
type Peer struct {
	IP   net.IP
	Port uint16
}

// String renders the peer as a dialable host:port address.
func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Event is the announce event parameter.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

// AnnounceParams are the announce query parameters (§4.C).
type AnnounceParams struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
}

// AnnounceResponse is the decoded tracker response.
type AnnounceResponse struct {
	Interval int
	Peers    []Peer
}

// Client announces to a single tracker URL over HTTP(S).
type Client struct {
	AnnounceURL string
	HTTPClient  *http.Client
	// Backoff, if non-nil, overrides the default retry policy. Tests set
	// this to a zero-wait policy.
	Backoff func() backoff.BackOff
}

// NewClient builds a tracker client for announceURL.
func NewClient(announceURL string) *Client {
	return &Client{
		AnnounceURL: announceURL,
		HTTPClient:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Close releases the tracker client's shared HTTP transport resources. Safe
// to call more than once.
func (c *Client) Close() {
	c.HTTPClient.CloseIdleConnections()
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return b
}

// Announce performs a single announce call, retrying transport failures and
// non-2xx HTTP statuses with exponential backoff until ctx is done or the
// retry budget is exhausted. A response body that cannot be decoded, or that
// carries a "failure reason", is returned as an error without retrying.
func (c *Client) Announce(ctx context.Context, p AnnounceParams) (*AnnounceResponse, error) {
	announceURL, err := c.buildURL(p)
	if err != nil {
		return nil, trackerErr("building announce URL", err)
	}

	parsed, err := url.Parse(c.AnnounceURL)
	if err != nil {
		return nil, trackerErr("parsing announce URL", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, trackerErr(fmt.Sprintf("unsupported tracker scheme %q", parsed.Scheme), nil)
	}

	policy := defaultBackoff
	if c.Backoff != nil {
		policy = c.Backoff
	}

	var resp *AnnounceResponse
	op := func() error {
		r, err := c.announceOnce(ctx, announceURL)
		if err != nil {
			log.WithError(err).Debug("announce attempt failed, retrying")
			return err
		}
		resp = r
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy(), ctx)); err != nil {
		return nil, trackerErr("announce failed after retries", err)
	}
	return resp, nil
}

func (c *Client) announceOnce(ctx context.Context, announceURL string) (*AnnounceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, announceURL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, trackerErr(fmt.Sprintf("tracker returned HTTP %d", resp.StatusCode), nil)
	}
	return decodeAnnounceResponse(body)
}

func decodeAnnounceResponse(body []byte) (*AnnounceResponse, error) {
	v, err := bencode.Decode(body)
	if err != nil {
		return nil, backoff.Permanent(trackerErr("response is not valid bencode", err))
	}
	d, ok := v.(bencode.Dict)
	if !ok {
		return nil, backoff.Permanent(trackerErr("response root is not a dictionary", nil))
	}

	if reason, ok := d.GetString("failure reason"); ok {
		return nil, backoff.Permanent(trackerErr(fmt.Sprintf("tracker reported failure: %s", reason), nil))
	}

	resp := &AnnounceResponse{}
	if iv, ok := d.GetInt("interval"); ok {
		resp.Interval = int(iv.Int64())
	}

	peersVal, ok := d.Get("peers")
	if !ok {
		return nil, backoff.Permanent(trackerErr("response missing \"peers\"", nil))
	}
	switch pv := peersVal.(type) {
	case bencode.String:
		peers, err := parseCompactPeers([]byte(pv))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp.Peers = peers
	case bencode.List:
		peers, err := parseDictPeers(pv)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp.Peers = peers
	default:
		return nil, backoff.Permanent(trackerErr("\"peers\" is neither a compact string nor a list", nil))
	}

	return resp, nil
}

// parseCompactPeers decodes the binary model: a flat string of 6-byte
// peer records (4-byte IP, 2-byte big-endian port).
func parseCompactPeers(raw []byte) ([]Peer, error) {
	const peerSize = 6
	if len(raw)%peerSize != 0 {
		return nil, trackerErr(fmt.Sprintf("compact peers length %d is not a multiple of %d", len(raw), peerSize), nil)
	}
	n := len(raw) / peerSize
	peers := make([]Peer, n)
	for i := 0; i < n; i++ {
		off := i * peerSize
		ip := make(net.IP, 4)
		copy(ip, raw[off:off+4])
		port := uint16(raw[off+4])<<8 | uint16(raw[off+5])
		peers[i] = Peer{IP: ip, Port: port}
	}
	return peers, nil
}

// parseDictPeers decodes the non-compact model: a list of dictionaries
// each carrying "ip" and "port" (and, optionally, "peer id").
func parseDictPeers(list bencode.List) ([]Peer, error) {
	peers := make([]Peer, 0, len(list))
	for _, item := range list {
		pd, ok := item.(bencode.Dict)
		if !ok {
			return nil, trackerErr("peers list entry is not a dictionary", nil)
		}
		ipStr, ok := pd.GetString("ip")
		if !ok {
			return nil, trackerErr("peer entry missing \"ip\"", nil)
		}
		portVal, ok := pd.GetInt("port")
		if !ok {
			return nil, trackerErr("peer entry missing \"port\"", nil)
		}
		ip := net.ParseIP(string(ipStr))
		if ip == nil {
			return nil, trackerErr(fmt.Sprintf("peer entry has unparseable ip %q", ipStr), nil)
		}
		peers = append(peers, Peer{IP: ip, Port: uint16(portVal.Int64())})
	}
	return peers, nil
}

// percentEncode renders raw bytes as a fully percent-encoded string. Used
// for info_hash and peer_id, which are arbitrary 20-byte strings rather
// than valid URL text, and must not be passed through url.Values (which
// would mis-escape them as UTF-8 text).
func percentEncode(b []byte) string {
	out := make([]byte, 0, len(b)*3)
	for _, v := range b {
		out = append(out, '%', hexDigit(v>>4), hexDigit(v&0x0F))
	}
	return string(out)
}

func hexDigit(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'A' + (n - 10)
}

func (c *Client) buildURL(p AnnounceParams) (string, error) {
	base, err := url.Parse(c.AnnounceURL)
	if err != nil {
		return "", err
	}
	// Preserve any query parameters already present on the tracker URL
	// (e.g. a private tracker's passkey) instead of discarding them.
	q := base.Query()
	q.Set("port", strconv.Itoa(int(p.Port)))
	q.Set("uploaded", strconv.FormatInt(p.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(p.Downloaded, 10))
	q.Set("left", strconv.FormatInt(p.Left, 10))
	q.Set("compact", "1")
	if p.Event != EventNone {
		q.Set("event", string(p.Event))
	}
	base.RawQuery = q.Encode()
	base.RawQuery += "&info_hash=" + percentEncode(p.InfoHash[:])
	base.RawQuery += "&peer_id=" + percentEncode(p.PeerID[:])
	return base.String(), nil
}
