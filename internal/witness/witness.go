package witness

import (
	"crypto/sha1"

	"github.com/prxssh/seeker/internal/bitfield"
	"github.com/prxssh/seeker/internal/metainfo"
)

// SingleFile is a minimal verifiable identity claim about one file: a piece
// that lies entirely inside it. A candidate on disk whose size equals
// FileLength and whose bytes [Offset, Offset+PieceLength) hash to Hash is a
// match for LogicalPath.
type SingleFile struct {
	LogicalPath string
	FileLength  int64
	PieceIndex  int

	// Offset is the byte offset of the witnessed piece within the file.
	Offset int64

	// PieceLength is the verified byte count. It equals the torrent's
	// declared piece length except when the witnessed piece is a short
	// final piece, in which case it records the residual bytes.
	PieceLength int64

	Hash [sha1.Size]byte
}

// SpanMember is one file's contribution to a spanning piece. Start and End
// delimit the contributed byte range [Start, End) within the file.
type SpanMember struct {
	LogicalPath string
	FileLength  int64
	Start       int64
	End         int64
}

// Span is a witness for one piece that straddles two or more consecutive
// files. It verifies collectively: only if the SHA-1 of the members'
// concatenated ranges matches Hash does it witness all members at once.
type Span struct {
	PieceIndex int

	// PieceLength is the verified byte count of the piece, equal to the
	// sum of the member ranges.
	PieceLength int64

	Hash    [sha1.Size]byte
	Members []SpanMember
}

// Set holds every witness derived from one metainfo. It is immutable after
// Extract returns; the owning torrent provides its identity.
type Set struct {
	Singles []SingleFile
	Spans   []Span

	spanned *bitfield.Bitfield
}

// Spanned returns the set of piece indices covered by span witnesses.
func (s *Set) Spanned() *bitfield.Bitfield { return s.spanned }

// Extract derives the witness tables for a metainfo.
//
// Files are walked in declared order with a running byte cursor. Each file
// yields at most one SingleFile witness: the first piece that starts on a
// piece boundary inside the file and fits entirely within it (a short final
// piece contained in the file also qualifies). Each piece that crosses a
// file boundary yields exactly one Span witness listing every file it
// touches.
func Extract(info *metainfo.Info) *Set {
	pl := info.PieceLength
	total := info.TotalLength()
	n := len(info.Pieces)
	set := &Set{spanned: bitfield.New(n)}

	type entry struct {
		path   string
		length int64
	}
	var entries []entry
	if info.IsSingleFile() {
		entries = []entry{{info.Name, info.Length}}
	} else {
		entries = make([]entry, 0, len(info.Files))
		for _, f := range info.Files {
			entries = append(entries, entry{f.LogicalPath(), f.Length})
		}
	}

	// pieceEnd is the exclusive end offset of piece p in the concatenated
	// byte stream; the final piece may end short of a full pieceLength.
	pieceEnd := func(p int) int64 {
		end := int64(p+1) * pl
		if end > total {
			end = total
		}
		return end
	}

	var pos int64
	var open *Span // span whose piece started in an earlier file
	for _, f := range entries {
		length := f.length

		if open != nil {
			contrib := pieceEnd(open.PieceIndex) - pos
			if contrib > length {
				contrib = length
			}
			open.Members = append(open.Members, SpanMember{
				LogicalPath: f.path,
				FileLength:  length,
				Start:       0,
				End:         contrib,
			})
			if pos+contrib == pieceEnd(open.PieceIndex) {
				set.Spans = append(set.Spans, *open)
				set.spanned.Set(open.PieceIndex)
				open = nil
			}
		}

		if w, ok := singleWitness(info, pos, length, total); ok {
			w.LogicalPath = f.path
			set.Singles = append(set.Singles, w)
		}

		// A file that ends mid-piece before the end of the payload
		// opens the span for the piece continuing into the next file.
		endPos := pos + length
		if open == nil && endPos%pl != 0 && endPos != total {
			p := int(endPos / pl)
			start := int64(p)*pl - pos
			if start < 0 {
				start = 0
			}
			open = &Span{
				PieceIndex:  p,
				PieceLength: pieceEnd(p) - int64(p)*pl,
				Hash:        info.Pieces[p],
				Members: []SpanMember{{
					LogicalPath: f.path,
					FileLength:  length,
					Start:       start,
					End:         length,
				}},
			}
		}

		pos = endPos
	}

	return set
}

// singleWitness picks the aligned piece witnessed for the file occupying
// [pos, pos+length) of the concatenated stream, if any.
func singleWitness(
	info *metainfo.Info,
	pos, length, total int64,
) (SingleFile, bool) {
	pl := info.PieceLength
	n := len(info.Pieces)

	firstPiece := pos / pl
	nextPiece := (pos + length) / pl
	head := (pl - pos%pl) % pl

	switch {
	case head == 0 && nextPiece-firstPiece >= 1:
		// The file starts on a piece boundary and holds at least one
		// full piece.
		return SingleFile{
			FileLength:  length,
			PieceIndex:  int(firstPiece),
			Offset:      0,
			PieceLength: pl,
			Hash:        info.Pieces[firstPiece],
		}, true
	case nextPiece-firstPiece >= 2:
		// The first boundary falls mid-file and a full piece follows
		// it.
		return SingleFile{
			FileLength:  length,
			PieceIndex:  int(firstPiece) + 1,
			Offset:      head,
			PieceLength: pl,
			Hash:        info.Pieces[firstPiece+1],
		}, true
	}

	// A short final piece contained entirely in this file still
	// identifies it; the witness records the residual byte count.
	lastStart := int64(n-1) * pl
	if pos+length == total && lastStart >= pos {
		return SingleFile{
			FileLength:  length,
			PieceIndex:  n - 1,
			Offset:      lastStart - pos,
			PieceLength: total - lastStart,
			Hash:        info.Pieces[n-1],
		}, true
	}

	return SingleFile{}, false
}
