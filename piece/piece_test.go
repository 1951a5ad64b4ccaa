package piece

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"

	"github.com/kelwon/goleech/bencode"
	"github.com/kelwon/goleech/metainfo"
)

type fakeWriter struct {
	written map[int][]byte
}

func newFakeWriter() *fakeWriter { return &fakeWriter{written: make(map[int][]byte)} }

func (w *fakeWriter) WritePiece(index int, data []byte) error {
	cp := append([]byte(nil), data...)
	w.written[index] = cp
	return nil
}

type allHave struct{ n int }

func (a allHave) Test(index int) bool { return index < a.n }

func buildInfo(t *testing.T, pieceLength int64, data []byte) *metainfo.Info {
	t.Helper()
	numPieces := (len(data) + int(pieceLength) - 1) / int(pieceLength)
	pieces := make([]byte, 0, numPieces*20)
	for i := 0; i < numPieces; i++ {
		start := i * int(pieceLength)
		end := start + int(pieceLength)
		if end > len(data) {
			end = len(data)
		}
		h := sha1.Sum(data[start:end])
		pieces = append(pieces, h[:]...)
	}
	infoDict := bencode.Dict{
		{Key: bencode.String("length"), Value: bencode.NewInteger(int64(len(data)))},
		{Key: bencode.String("name"), Value: bencode.String("f")},
		{Key: bencode.String("piece length"), Value: bencode.NewInteger(pieceLength)},
		{Key: bencode.String("pieces"), Value: bencode.String(pieces)},
	}
	outer := bencode.Dict{
		{Key: bencode.String("announce"), Value: bencode.String("http://x")},
		{Key: bencode.String("info"), Value: infoDict},
	}
	raw, err := bencode.Encode(outer)
	require.NoError(t, err)
	m, err := metainfo.DecodeBytes(raw)
	require.NoError(t, err)
	return m.Info()
}

func TestNextRequestScansAscendingAndAvoidsDuplicates(t *testing.T) {
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	info := buildInfo(t, 100, data)
	mgr := NewManager(info, newFakeWriter())

	req, ok := mgr.NextRequest(PeerID("p1"), allHave{n: 1})
	require.True(t, ok)
	assert.Equal(t, 0, req.Index)
	assert.Equal(t, 0, req.Begin)

	_, ok = mgr.NextRequest(PeerID("p1"), allHave{n: 1})
	assert.False(t, ok, "same peer should not get the same block twice")
}

func TestOnBlockVerifiesAndWrites(t *testing.T) {
	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i + 1)
	}
	info := buildInfo(t, 20, data)
	w := newFakeWriter()
	mgr := NewManager(info, w)

	req, ok := mgr.NextRequest(PeerID("p1"), allHave{n: 1})
	require.True(t, ok)
	err := mgr.OnBlock(PeerID("p1"), req.Index, req.Begin, data[req.Begin:req.Begin+req.Length])
	require.NoError(t, err)

	assert.True(t, mgr.IsComplete())
	assert.Equal(t, data, w.written[0])
	assert.Equal(t, int64(20), mgr.Downloaded())
}

func TestOnBlockMismatchResetsPiece(t *testing.T) {
	data := make([]byte, 16)
	info := buildInfo(t, 16, data)
	mgr := NewManager(info, newFakeWriter())

	req, ok := mgr.NextRequest(PeerID("p1"), allHave{n: 1})
	require.True(t, ok)

	corrupted := make([]byte, req.Length)
	for i := range corrupted {
		corrupted[i] = 0xFF
	}
	err := mgr.OnBlock(PeerID("p1"), req.Index, req.Begin, corrupted)
	require.Error(t, err)
	var pie *PieceIntegrityError
	assert.ErrorAs(t, err, &pie)
	assert.False(t, mgr.IsComplete())

	// Block 0 of piece 0 is requestable again after the reset.
	req2, ok := mgr.NextRequest(PeerID("p2"), allHave{n: 1})
	require.True(t, ok)
	assert.Equal(t, 0, req2.Index)
	assert.Equal(t, 0, req2.Begin)
}

func TestOnBlockDiscardsAlreadyReceivedBlock(t *testing.T) {
	data := make([]byte, 16384*2)
	info := buildInfo(t, 16384*2, data)
	mgr := NewManager(info, newFakeWriter())

	err := mgr.OnBlock(PeerID("p1"), 0, 0, data[:16384])
	require.NoError(t, err)
	// Deliver the same block again; should be a no-op, not double-count.
	err = mgr.OnBlock(PeerID("p1"), 0, 0, data[:16384])
	require.NoError(t, err)
	assert.Equal(t, int64(16384), mgr.Downloaded())
}

func TestResetForPeerChokeFreesReservations(t *testing.T) {
	data := make([]byte, 16384*2)
	info := buildInfo(t, 16384, data)
	mgr := NewManager(info, newFakeWriter())

	_, ok := mgr.NextRequest(PeerID("p1"), allHave{n: 2})
	require.True(t, ok)
	_, ok = mgr.NextRequest(PeerID("p1"), allHave{n: 2})
	require.True(t, ok)

	_, ok = mgr.NextRequest(PeerID("p1"), allHave{n: 2})
	assert.False(t, ok)

	mgr.ResetForPeerChoke(PeerID("p1"))
	req, ok := mgr.NextRequest(PeerID("p1"), allHave{n: 2})
	require.True(t, ok)
	assert.Equal(t, 0, req.Index)
}

func TestBitsetSatisfiesHaveBitfield(t *testing.T) {
	bs := bitset.New(4)
	bs.Set(2)
	var have HaveBitfield = bitsetHave{bs}
	assert.False(t, have.Test(0))
	assert.True(t, have.Test(2))
}

type bitsetHave struct{ bs *bitset.BitSet }

func (h bitsetHave) Test(index int) bool { return h.bs.Test(uint(index)) }
