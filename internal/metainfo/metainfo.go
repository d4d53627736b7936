package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/prxssh/seeker/internal/bencode"
)

// ErrWrongTorrentFile is returned when the decoded stream is not a
// dictionary or has no "info" dictionary at all, i.e. the file is bencoded
// but is not a torrent.
var ErrWrongTorrentFile = errors.New(
	"metainfo: not a torrent file (missing info dictionary)",
)

// InvalidTorrentError is returned when the info dictionary is present but a
// field violates the torrent schema.
type InvalidTorrentError struct {
	Field  string
	Reason string
}

func (e *InvalidTorrentError) Error() string {
	return fmt.Sprintf("metainfo: invalid %q: %s", e.Field, e.Reason)
}

// binaryFields are info-dictionary keys whose string-valued positions carry
// binary digest concatenations. Their values must stay raw bytes and are
// never coerced to text.
var binaryFields = map[string]bool{
	"pieces":      true,
	"p1":          true,
	"info_hash":   true,
	"sha1":        true,
	"ed2k":        true,
	"filehash":    true,
	"pieces root": true,
}

// Metainfo describes the contents of a .torrent file (BEP 3), reduced to
// the fields the matcher relies on.
type Metainfo struct {
	// Info is the validated "info" dictionary.
	Info *Info

	// CreationDate is the optional creation timestamp of the torrent. If
	// absent, it is the zero time.
	CreationDate time.Time

	// Comment is an optional, free-form note set by the creator.
	Comment string
}

// Info is the bencoded "info" dictionary that describes the file(s) and
// piece layout of the torrent. It is immutable after Parse returns.
type Info struct {
	// Hash is the 20-byte SHA-1 of the canonically re-encoded info
	// dictionary (the BitTorrent v1 infohash). The matcher uses it to
	// tell apart torrents that share a display name.
	Hash [sha1.Size]byte

	// Name is the suggested display name. In multi-file mode this is the
	// name of the top-level directory; in single-file mode it is the
	// filename.
	Name string

	// PieceLength is the number of bytes per piece. All pieces except the
	// last are this size; the last may be shorter. Non-power-of-two piece
	// lengths occur in the wild and are accepted.
	PieceLength int64

	// Pieces holds the 20-byte SHA-1 hash of each piece, in order.
	Pieces [][sha1.Size]byte

	// Files lists the files in multi-file mode, in declared order. The
	// order defines concatenation order for piece coverage. Nil in
	// single-file mode.
	Files []File

	// Length is the payload size in single-file mode; zero otherwise.
	Length int64
}

// File represents a single file entry within a multi-file torrent.
type File struct {
	// Length is the exact size of this file in bytes.
	Length int64

	// Path is the relative path of the file expressed as path elements.
	Path []string
}

// LogicalPath returns the file's path components joined with the host
// separator. The joined form is for comparison against witness tables and
// for reporting; the component sequence stays authoritative.
func (f File) LogicalPath() string {
	return filepath.Join(f.Path...)
}

// IsSingleFile reports whether the torrent is in single-file mode.
func (i *Info) IsSingleFile() bool { return i.Files == nil }

// TotalLength returns the total payload size in bytes.
func (i *Info) TotalLength() int64 {
	if i.IsSingleFile() {
		return i.Length
	}
	var total int64
	for _, f := range i.Files {
		total += f.Length
	}
	return total
}

// Parse decodes and validates a metainfo stream.
//
// A stream that is not a dictionary, or lacks the "info" key, fails with
// ErrWrongTorrentFile. A malformed bencode stream fails with
// *bencode.ParseError. Any schema violation inside the info dictionary
// fails with *InvalidTorrentError.
func Parse(r io.Reader) (*Metainfo, error) {
	decoded, err := bencode.NewDecoder(r).Decode()
	if err != nil {
		return nil, err
	}

	top, ok := decoded.(map[string]any)
	if !ok {
		return nil, ErrWrongTorrentFile
	}

	rawInfo, ok := top["info"].(map[string]any)
	if !ok {
		return nil, ErrWrongTorrentFile
	}

	info, err := parseInfo(rawInfo)
	if err != nil {
		return nil, err
	}

	m := &Metainfo{Info: info}
	if created, ok := intFrom(top, "creation date"); ok {
		m.CreationDate = time.Unix(created, 0)
	}
	if comment, ok := stringFrom(top, "comment"); ok {
		m.Comment = comment
	}
	return m, nil
}

func parseInfo(raw map[string]any) (*Info, error) {
	name, ok := stringFrom(raw, "name")
	if !ok || name == "" {
		return nil, &InvalidTorrentError{
			Field:  "name",
			Reason: "missing or empty",
		}
	}

	pieceLength, ok := intFrom(raw, "piece length")
	if !ok || pieceLength <= 0 {
		return nil, &InvalidTorrentError{
			Field:  "piece length",
			Reason: "missing or not positive",
		}
	}

	pieces, err := parsePieces(raw)
	if err != nil {
		return nil, err
	}

	hash, err := computeInfoHash(raw)
	if err != nil {
		return nil, err
	}

	info := &Info{
		Hash:        hash,
		Name:        name,
		PieceLength: pieceLength,
		Pieces:      pieces,
	}

	length, hasLength := intFrom(raw, "length")
	filesAny, hasFiles := raw["files"].([]any)
	switch {
	case hasLength && hasFiles:
		return nil, &InvalidTorrentError{
			Field:  "length",
			Reason: "both length and files present",
		}
	case hasLength:
		if length <= 0 {
			return nil, &InvalidTorrentError{
				Field:  "length",
				Reason: "not positive",
			}
		}
		info.Length = length
	case hasFiles:
		files, err := parseFiles(filesAny)
		if err != nil {
			return nil, err
		}
		info.Files = files
	default:
		return nil, &InvalidTorrentError{
			Field:  "length",
			Reason: "neither length nor files present",
		}
	}

	if err := checkPieceCoverage(info); err != nil {
		return nil, err
	}
	return info, nil
}

func parsePieces(raw map[string]any) ([][sha1.Size]byte, error) {
	b, ok := raw["pieces"].([]byte)
	if !ok {
		return nil, &InvalidTorrentError{
			Field:  "pieces",
			Reason: "missing or not a string",
		}
	}
	if len(b)%sha1.Size != 0 {
		return nil, &InvalidTorrentError{
			Field:  "pieces",
			Reason: "length is not a multiple of 20 bytes",
		}
	}

	n := len(b) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], b[i*sha1.Size:(i+1)*sha1.Size])
	}
	return out, nil
}

func parseFiles(filesAny []any) ([]File, error) {
	if len(filesAny) == 0 {
		return nil, &InvalidTorrentError{
			Field:  "files",
			Reason: "empty file list",
		}
	}

	files := make([]File, 0, len(filesAny))
	for i, fe := range filesAny {
		fdict, ok := fe.(map[string]any)
		if !ok {
			return nil, &InvalidTorrentError{
				Field:  "files",
				Reason: fmt.Sprintf("entry %d is not a dictionary", i),
			}
		}

		length, ok := intFrom(fdict, "length")
		if !ok || length <= 0 {
			return nil, &InvalidTorrentError{
				Field:  "files",
				Reason: fmt.Sprintf("entry %d has no positive length", i),
			}
		}

		pathAny, ok := fdict["path"].([]any)
		if !ok || len(pathAny) == 0 {
			return nil, &InvalidTorrentError{
				Field:  "files",
				Reason: fmt.Sprintf("entry %d has no path", i),
			}
		}

		path := make([]string, 0, len(pathAny))
		for j, pe := range pathAny {
			ps, ok := pe.([]byte)
			if !ok || len(ps) == 0 {
				return nil, &InvalidTorrentError{
					Field: "files",
					Reason: fmt.Sprintf(
						"entry %d path element %d is not a non-empty string",
						i, j,
					),
				}
			}
			path = append(path, string(ps))
		}

		files = append(files, File{Length: length, Path: path})
	}
	return files, nil
}

// checkPieceCoverage enforces that the total byte count is covered by
// exactly len(Pieces) pieces, the last of which may be short:
// (n-1)*pieceLength < total <= n*pieceLength.
func checkPieceCoverage(info *Info) error {
	total := info.TotalLength()
	n := int64(len(info.Pieces))

	if n == 0 {
		return &InvalidTorrentError{
			Field:  "pieces",
			Reason: "no pieces",
		}
	}
	if total <= (n-1)*info.PieceLength || total > n*info.PieceLength {
		return &InvalidTorrentError{
			Field: "pieces",
			Reason: fmt.Sprintf(
				"%d pieces of %d bytes cannot cover %d payload bytes",
				n, info.PieceLength, total,
			),
		}
	}
	return nil
}

// computeInfoHash re-encodes the raw info dictionary canonically and hashes
// it, yielding the BitTorrent v1 infohash.
func computeInfoHash(raw map[string]any) ([sha1.Size]byte, error) {
	var buf bytes.Buffer

	if err := bencode.NewEncoder(&buf).Encode(raw); err != nil {
		return [sha1.Size]byte{}, fmt.Errorf(
			"metainfo: failed to re-encode info for hash: %w",
			err,
		)
	}

	return sha1.Sum(buf.Bytes()), nil
}

func stringFrom(m map[string]any, key string) (string, bool) {
	if binaryFields[key] {
		return "", false
	}
	v, ok := m[key].([]byte)
	if !ok {
		return "", false
	}
	return string(v), true
}

func intFrom(m map[string]any, key string) (int64, bool) {
	v, ok := m[key].(int64)
	return v, ok
}
