// Package metainfo decodes .torrent files into an immutable, read-only view
// used by the tracker client, the piece manager and the data writer.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"io"
	"time"

	"github.com/kelwon/goleech/bencode"
)

const pieceHashLen = 20

// MetainfoError reports a structurally valid bencode document that is not a
// semantically valid .torrent file (§7).
type MetainfoError struct {
	Msg string
}

func (e *MetainfoError) Error() string { return "metainfo: " + e.Msg }

func metaErr(format string, args ...interface{}) error {
	return &MetainfoError{Msg: fmt.Sprintf(format, args...)}
}

// FileEntry describes one target file within the torrent's file layout.
type FileEntry struct {
	// Path is the ordered list of path components, e.g. ["dir", "a.txt"].
	Path []string
	// Length is the file's length in bytes.
	Length int64
}

// JoinedPath renders Path as a forward-slash-joined display string, the
// same convention the torrent's own multi-file layout uses. Callers that
// need an actual filesystem path should join Path with filepath.Join
// instead, which storage.NewWriter does.
func (f FileEntry) JoinedPath() string {
	out := f.Path[0]
	for _, p := range f.Path[1:] {
		out += "/" + p
	}
	return out
}

// Info is the decoded "info" dictionary, normalized to a uniform file list
// regardless of whether the source was single-file or multi-file form.
type Info struct {
	pieceLength int64
	pieces      []byte
	private     bool
	files       []FileEntry
	name        string
}

func (i *Info) PieceLength() int64 { return i.pieceLength }
func (i *Info) Private() bool      { return i.private }
func (i *Info) Name() string       { return i.name }
func (i *Info) Files() []FileEntry { return i.files }

// NumPieces returns the number of pieces, derived from len(pieces)/20.
func (i *Info) NumPieces() int { return len(i.pieces) / pieceHashLen }

// TotalLength returns the sum of every file's length.
func (i *Info) TotalLength() int64 {
	var total int64
	for _, f := range i.files {
		total += f.Length
	}
	return total
}

// PieceHash returns the expected 20-byte SHA-1 digest for piece index.
func (i *Info) PieceHash(index int) [20]byte {
	var h [20]byte
	copy(h[:], i.pieces[index*pieceHashLen:(index+1)*pieceHashLen])
	return h
}

// PieceLengthAt returns the length of piece index — piece_length for every
// piece except possibly the last, which is total_length minus the length
// of every prior piece.
func (i *Info) PieceLengthAt(index int) int64 {
	n := i.NumPieces()
	if index < n-1 {
		return i.pieceLength
	}
	return i.TotalLength() - int64(n-1)*i.pieceLength
}

// Metainfo is the decoded, immutable view of a .torrent file.
type Metainfo struct {
	announce     string
	announceList [][]string
	comment      string
	createdBy    string
	creationDate *time.Time
	encoding     string
	info         *Info
	infoBytes    []byte
	infoHash     [20]byte
}

func (m *Metainfo) Comment() string          { return m.comment }
func (m *Metainfo) CreatedBy() string        { return m.createdBy }
func (m *Metainfo) CreationDate() *time.Time { return m.creationDate }
func (m *Metainfo) Encoding() string         { return m.encoding }
func (m *Metainfo) Info() *Info              { return m.info }
func (m *Metainfo) InfoHash() [20]byte       { return m.infoHash }

// AnnounceURLs returns the flattened tiered announce list, preserving tier
// order, falling back to the single "announce" URL when "announce-list" is
// absent.
func (m *Metainfo) AnnounceURLs() []string {
	if len(m.announceList) == 0 {
		if m.announce == "" {
			return nil
		}
		return []string{m.announce}
	}
	var out []string
	for _, tier := range m.announceList {
		out = append(out, tier...)
	}
	return out
}

// Decode reads and validates a .torrent file from r.
func Decode(r io.Reader) (*Metainfo, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return DecodeBytes(raw)
}

// DecodeBytes decodes a .torrent file already in memory.
func DecodeBytes(raw []byte) (*Metainfo, error) {
	root, err := bencode.Decode(raw)
	if err != nil {
		return nil, err
	}
	top, ok := root.(bencode.Dict)
	if !ok {
		return nil, metaErr("root value is not a dictionary")
	}

	infoStart, infoEnd, err := findInfoSpan(raw)
	if err != nil {
		return nil, err
	}
	infoBytes := append([]byte(nil), raw[infoStart:infoEnd]...)
	hash := sha1.Sum(infoBytes)

	infoVal, ok := top.Get("info")
	if !ok {
		return nil, metaErr("missing required key \"info\"")
	}
	infoDict, ok := infoVal.(bencode.Dict)
	if !ok {
		return nil, metaErr("\"info\" is not a dictionary")
	}
	info, err := decodeInfo(infoDict)
	if err != nil {
		return nil, err
	}

	m := &Metainfo{
		info:      info,
		infoBytes: infoBytes,
		infoHash:  hash,
	}

	if v, ok := top.GetString("announce"); ok {
		m.announce = string(v)
	}
	if v, ok := top.GetList("announce-list"); ok {
		for _, tierVal := range v {
			tierList, ok := tierVal.(bencode.List)
			if !ok {
				return nil, metaErr("announce-list tier is not a list")
			}
			var tier []string
			for _, urlVal := range tierList {
				urlStr, ok := urlVal.(bencode.String)
				if !ok {
					return nil, metaErr("announce-list URL is not a string")
				}
				tier = append(tier, string(urlStr))
			}
			m.announceList = append(m.announceList, tier)
		}
	}
	if v, ok := top.GetString("comment"); ok {
		m.comment = string(v)
	}
	if v, ok := top.GetString("created by"); ok {
		m.createdBy = string(v)
	}
	if v, ok := top.GetInt("creation date"); ok {
		t := time.Unix(v.Int64(), 0).UTC()
		m.creationDate = &t
	}
	if v, ok := top.GetString("encoding"); ok {
		m.encoding = string(v)
	}

	return m, nil
}

// findInfoSpan locates the byte range of the "info" dictionary's value as it
// appeared in raw, by walking the top-level dictionary the same way the
// bencode decoder would but without ever reconstructing the value — this is
// what lets InfoHash() be byte-exact regardless of whether the source file
// used canonical key ordering (§3, "Info-hash").
func findInfoSpan(raw []byte) (start, end int, err error) {
	if len(raw) == 0 || raw[0] != 'd' {
		return 0, 0, metaErr("root value is not a dictionary")
	}
	pos := 1
	for {
		if pos >= len(raw) {
			return 0, 0, metaErr("truncated top-level dictionary")
		}
		if raw[pos] == 'e' {
			break
		}
		keyVal, n, err := bencode.DecodeValue(raw[pos:])
		if err != nil {
			return 0, 0, err
		}
		key, ok := keyVal.(bencode.String)
		if !ok {
			return 0, 0, metaErr("top-level dictionary key is not a string")
		}
		pos += n

		valueStart := pos
		_, n2, err := bencode.DecodeValue(raw[pos:])
		if err != nil {
			return 0, 0, err
		}
		pos += n2
		valueEnd := pos

		if string(key) == "info" {
			return valueStart, valueEnd, nil
		}
	}
	return 0, 0, metaErr("missing required key \"info\"")
}

func decodeInfo(d bencode.Dict) (*Info, error) {
	pieceLength, ok := d.GetInt("piece length")
	if !ok {
		return nil, metaErr("info missing \"piece length\"")
	}
	if pieceLength.Int64() <= 0 {
		return nil, metaErr("piece length must be positive")
	}
	pieces, ok := d.GetString("pieces")
	if !ok {
		return nil, metaErr("info missing \"pieces\"")
	}
	if len(pieces)%pieceHashLen != 0 {
		return nil, metaErr("pieces length %d is not a multiple of %d", len(pieces), pieceHashLen)
	}

	name := ""
	if v, ok := d.GetString("name"); ok {
		name = string(v)
	}

	private := false
	if v, ok := d.GetInt("private"); ok {
		private = v.Int64() != 0
	}

	var files []FileEntry
	if filesList, ok := d.GetList("files"); ok {
		for _, fv := range filesList {
			fd, ok := fv.(bencode.Dict)
			if !ok {
				return nil, metaErr("files entry is not a dictionary")
			}
			length, ok := fd.GetInt("length")
			if !ok {
				return nil, metaErr("file entry missing \"length\"")
			}
			pathList, ok := fd.GetList("path")
			if !ok {
				return nil, metaErr("file entry missing \"path\"")
			}
			var path []string
			for _, pv := range pathList {
				ps, ok := pv.(bencode.String)
				if !ok {
					return nil, metaErr("path component is not a string")
				}
				path = append(path, string(ps))
			}
			if len(path) == 0 {
				return nil, metaErr("file entry has empty path")
			}
			files = append(files, FileEntry{Path: path, Length: length.Int64()})
		}
	} else {
		length, ok := d.GetInt("length")
		if !ok {
			return nil, metaErr("info must have either \"files\" or \"length\"")
		}
		if name == "" {
			return nil, metaErr("single-file info missing \"name\"")
		}
		files = []FileEntry{{Path: []string{name}, Length: length.Int64()}}
	}
	if len(files) == 0 {
		return nil, metaErr("files list must be non-empty")
	}

	return &Info{
		pieceLength: pieceLength.Int64(),
		pieces:      pieces,
		private:     private,
		files:       files,
		name:        name,
	}, nil
}
