package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelwon/goleech/bencode"
)

func noWaitBackoff() backoff.BackOff {
	return &backoff.StopBackOff{}
}

func onceBackoff() func() backoff.BackOff {
	return func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	}
}

func TestAnnounceCompactPeers(t *testing.T) {
	body, err := bencode.Encode(bencode.Dict{
		{Key: bencode.String("interval"), Value: bencode.NewInteger(1800)},
		{Key: bencode.String("peers"), Value: bencode.String([]byte{127, 0, 0, 1, 0x1A, 0xE1})},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		w.Write(body)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.Backoff = func() backoff.BackOff { return &backoff.StopBackOff{} }

	var infoHash, peerID [20]byte
	resp, err := c.Announce(context.Background(), AnnounceParams{
		InfoHash: infoHash, PeerID: peerID, Port: 6881, Left: 100, Event: EventStarted,
	})
	require.NoError(t, err)
	assert.Equal(t, 1800, resp.Interval)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "127.0.0.1:6881", resp.Peers[0].String())
}

func TestAnnounceDictPeers(t *testing.T) {
	body, err := bencode.Encode(bencode.Dict{
		{Key: bencode.String("interval"), Value: bencode.NewInteger(900)},
		{Key: bencode.String("peers"), Value: bencode.List{
			bencode.Dict{
				{Key: bencode.String("ip"), Value: bencode.String("10.0.0.5")},
				{Key: bencode.String("port"), Value: bencode.NewInteger(51413)},
			},
		}},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.Backoff = func() backoff.BackOff { return &backoff.StopBackOff{} }
	resp, err := c.Announce(context.Background(), AnnounceParams{Port: 1})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "10.0.0.5:51413", resp.Peers[0].String())
}

func TestAnnounceFailureReason(t *testing.T) {
	body, err := bencode.Encode(bencode.Dict{
		{Key: bencode.String("failure reason"), Value: bencode.String("torrent not found")},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.Backoff = func() backoff.BackOff { return &backoff.StopBackOff{} }
	_, err = c.Announce(context.Background(), AnnounceParams{})
	require.Error(t, err)
}

func TestAnnounceRetriesTransientFailure(t *testing.T) {
	attempts := 0
	body, err := bencode.Encode(bencode.Dict{
		{Key: bencode.String("interval"), Value: bencode.NewInteger(1)},
		{Key: bencode.String("peers"), Value: bencode.String(nil)},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.Backoff = onceBackoff()
	resp, err := c.Announce(context.Background(), AnnounceParams{})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Interval)
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestAnnounceNonOKStatusIsRetriedNotPermanent(t *testing.T) {
	attempts := 0
	body, err := bencode.Encode(bencode.Dict{
		{Key: bencode.String("interval"), Value: bencode.NewInteger(5)},
		{Key: bencode.String("peers"), Value: bencode.String(nil)},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.Backoff = onceBackoff()
	resp, err := c.Announce(context.Background(), AnnounceParams{})
	require.NoError(t, err)
	assert.Equal(t, 5, resp.Interval)
	assert.Equal(t, 3, attempts)
}

func TestAnnounceRejectsUnsupportedScheme(t *testing.T) {
	c := NewClient("udp://tracker.example:80/announce")
	_, err := c.Announce(context.Background(), AnnounceParams{})
	require.Error(t, err)
}

func TestBuildURLPreservesExistingQuery(t *testing.T) {
	c := NewClient("http://tracker.example/announce.php?passkey=abc123")
	got, err := c.buildURL(AnnounceParams{Port: 6881})
	require.NoError(t, err)
	assert.Contains(t, got, "passkey=abc123")
	assert.Contains(t, got, "compact=1")
}

func TestPercentEncodeRawBytes(t *testing.T) {
	got := percentEncode([]byte{0x00, 0xFF, 'a'})
	assert.Equal(t, "%00%FF%61", got)
}

func TestAnnounceContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	c := NewClient(srv.URL)
	c.Backoff = noWaitBackoff
	_, err := c.Announce(ctx, AnnounceParams{})
	require.Error(t, err)
}
