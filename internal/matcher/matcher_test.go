package matcher

import (
	"bytes"
	"context"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	abencode "github.com/anacrolix/torrent/bencode"
	ameta "github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/require"

	"github.com/prxssh/seeker/internal/bencode"
	"github.com/prxssh/seeker/internal/metainfo"
)

type fixtureFile struct {
	path []string
	data []byte
}

// content returns n deterministic pseudo-random bytes derived from seed.
func content(seed byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(int(seed)*31+i*7+11) ^ byte(i>>8)
	}
	return out
}

// writeTorrent builds a .torrent with piece hashes computed from the files'
// concatenated content and writes it under dir.
func writeTorrent(
	t *testing.T,
	dir, name string,
	pieceLength int64,
	files []fixtureFile,
	singleFile bool,
) string {
	t.Helper()

	var payload []byte
	for _, f := range files {
		payload = append(payload, f.data...)
	}

	var pieces []byte
	for off := 0; off < len(payload); off += int(pieceLength) {
		end := off + int(pieceLength)
		if end > len(payload) {
			end = len(payload)
		}
		sum := sha1.Sum(payload[off:end])
		pieces = append(pieces, sum[:]...)
	}

	info := map[string]any{
		"name":         name,
		"piece length": pieceLength,
		"pieces":       pieces,
	}
	if singleFile {
		require.Len(t, files, 1)
		info["length"] = int64(len(files[0].data))
	} else {
		var entries []any
		for _, f := range files {
			var comps []any
			for _, c := range f.path {
				comps = append(comps, c)
			}
			entries = append(entries, map[string]any{
				"length": int64(len(f.data)),
				"path":   comps,
			})
		}
		info["files"] = entries
	}

	var buf bytes.Buffer
	require.NoError(
		t,
		bencode.NewEncoder(&buf).Encode(map[string]any{"info": info}),
	)

	path := filepath.Join(dir, name+".torrent")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func writeCandidate(t *testing.T, dir, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func runMatcher(t *testing.T, opts Options) *Result {
	t.Helper()

	res, err := Run(context.Background(), opts)
	require.NoError(t, err)
	return res
}

// Single-file torrent, candidate renamed on disk: matched by content.
func TestRun_SingleFileRenamed(t *testing.T) {
	torrentDir := t.TempDir()
	downloads := t.TempDir()

	book := content(1, 50000)
	tpath := writeTorrent(t, torrentDir, "book.epub", 16384,
		[]fixtureFile{{data: book}}, true)
	cpath := writeCandidate(t, downloads, "novel.epub", book)

	res := runMatcher(t, Options{
		TorrentPaths:  []string{tpath},
		DownloadRoots: []string{downloads},
	})

	require.Equal(t, map[string]map[string][]string{
		tpath: {"book.epub": {cpath}},
	}, res.Mapping)
	require.Empty(t, res.Warnings)
}

// Multi-file torrent where every file carries an aligned piece; candidates
// have scrambled names and live in nested directories.
func TestRun_MultiFileAllAligned(t *testing.T) {
	torrentDir := t.TempDir()
	downloads := t.TempDir()

	a := content(2, 65536)
	b := content(3, 65536)
	c := content(4, 65536)
	tpath := writeTorrent(t, torrentDir, "album", 16384, []fixtureFile{
		{path: []string{"one.flac"}, data: a},
		{path: []string{"two.flac"}, data: b},
		{path: []string{"cd2", "three.flac"}, data: c},
	}, false)

	pa := writeCandidate(t, downloads, "x1.bin", a)
	pb := writeCandidate(t, downloads, "sub/x2.bin", b)
	pc := writeCandidate(t, downloads, "x3.bin", c)

	res := runMatcher(t, Options{
		TorrentPaths:  []string{tpath},
		DownloadRoots: []string{downloads},
		Workers:       4,
	})

	require.Equal(t, map[string][]string{
		"one.flac":                          {pa},
		"two.flac":                          {pb},
		filepath.Join("cd2", "three.flac"): {pc},
	}, res.Mapping[tpath])
}

// Spanning piece: two files too small to hold a full piece, so piece 0 spans
// both (b also holds the short final piece). The span verifies only when
// both are present with the right content.
func TestRun_SpanningPiece(t *testing.T) {
	torrentDir := t.TempDir()
	downloads := t.TempDir()

	a := content(5, 10)
	b := content(6, 10)
	tpath := writeTorrent(t, torrentDir, "pair", 16, []fixtureFile{
		{path: []string{"a.bin"}, data: a},
		{path: []string{"b.bin"}, data: b},
	}, false)

	pa := writeCandidate(t, downloads, "first", a)
	pb := writeCandidate(t, downloads, "second", b)

	res := runMatcher(t, Options{
		TorrentPaths:  []string{tpath},
		DownloadRoots: []string{downloads},
	})

	require.Equal(t, []string{pa}, res.Mapping[tpath]["a.bin"])
	require.Contains(t, res.Mapping[tpath]["b.bin"], pb)
}

func TestRun_SpanNeedsAllMembers(t *testing.T) {
	torrentDir := t.TempDir()
	downloads := t.TempDir()

	// a is 10 bytes and contains no piece: it can only be identified
	// through the span, which also needs b.
	a := content(7, 10)
	b := content(8, 10)
	tpath := writeTorrent(t, torrentDir, "pair", 16, []fixtureFile{
		{path: []string{"a.bin"}, data: a},
		{path: []string{"b.bin"}, data: b},
	}, false)

	writeCandidate(t, downloads, "first", a) // b is absent

	res := runMatcher(t, Options{
		TorrentPaths:  []string{tpath},
		DownloadRoots: []string{downloads},
	})

	require.Empty(t, res.Mapping)
}

// Right size, wrong content: the prefilter admits the candidate but
// verification rejects it.
func TestRun_WrongContentRightSize(t *testing.T) {
	torrentDir := t.TempDir()
	downloads := t.TempDir()

	orig := content(9, 40000)
	tpath := writeTorrent(t, torrentDir, "file.bin", 16384,
		[]fixtureFile{{data: orig}}, true)

	tampered := append([]byte(nil), orig...)
	tampered[100] ^= 0xff
	writeCandidate(t, downloads, "file.bin", tampered)

	res := runMatcher(t, Options{
		TorrentPaths:  []string{tpath},
		DownloadRoots: []string{downloads},
	})

	require.Empty(t, res.Mapping)
	require.Empty(t, res.Warnings)
}

// A malformed torrent is a warning; the remaining torrents still match.
func TestRun_MalformedTorrentIsSkipped(t *testing.T) {
	torrentDir := t.TempDir()
	downloads := t.TempDir()

	var buf bytes.Buffer
	require.NoError(t, bencode.NewEncoder(&buf).Encode(
		map[string]any{"announce": "http://tracker"},
	))
	bad := filepath.Join(torrentDir, "bad.torrent")
	require.NoError(t, os.WriteFile(bad, buf.Bytes(), 0o644))

	junk := filepath.Join(torrentDir, "junk.torrent")
	require.NoError(t, os.WriteFile(junk, []byte("not bencode"), 0o644))

	good := content(10, 20000)
	writeTorrent(t, torrentDir, "good.bin", 16384,
		[]fixtureFile{{data: good}}, true)
	cpath := writeCandidate(t, downloads, "renamed.bin", good)

	res := runMatcher(t, Options{
		TorrentPaths:  []string{torrentDir},
		DownloadRoots: []string{downloads},
	})

	require.Len(t, res.Warnings, 2)
	require.Len(t, res.Matches, 1)
	require.Equal(t, cpath, res.Matches[0].PhysicalPath)
}

// A file whose size matches no witness must contribute zero hashing work.
func TestRun_PrefilterSkipsUnmatchedSizes(t *testing.T) {
	torrentDir := t.TempDir()
	downloads := t.TempDir()

	data := content(11, 30000)
	tpath := writeTorrent(t, torrentDir, "wanted.bin", 16384,
		[]fixtureFile{{data: data}}, true)

	writeCandidate(t, downloads, "unrelated.bin", content(12, 12345))

	res := runMatcher(t, Options{
		TorrentPaths:  []string{tpath},
		DownloadRoots: []string{downloads},
	})

	require.Empty(t, res.Mapping)
	require.Zero(t, res.Stats.BytesHashed)
}

// The same content present twice on disk is reported as two valid
// duplicates for the same logical path.
func TestRun_DuplicateCandidates(t *testing.T) {
	torrentDir := t.TempDir()
	downloads := t.TempDir()

	data := content(13, 20000)
	tpath := writeTorrent(t, torrentDir, "dup.bin", 16384,
		[]fixtureFile{{data: data}}, true)

	p1 := writeCandidate(t, downloads, "copy1.bin", data)
	p2 := writeCandidate(t, downloads, "deep/copy2.bin", data)

	res := runMatcher(t, Options{
		TorrentPaths:  []string{tpath},
		DownloadRoots: []string{downloads},
	})

	require.ElementsMatch(t, []string{p1, p2}, res.Mapping[tpath]["dup.bin"])
}

// Identical runs over the same inputs emit the identical mapping, at any
// worker count.
func TestRun_Deterministic(t *testing.T) {
	torrentDir := t.TempDir()
	downloads := t.TempDir()

	var tpaths []string
	for i := 0; i < 4; i++ {
		data := content(byte(20+i), 20000+i*111)
		tpaths = append(tpaths, writeTorrent(
			t, torrentDir, "t"+string(rune('a'+i)), 4096,
			[]fixtureFile{{data: data}}, true,
		))
		writeCandidate(t, downloads, "d"+string(rune('a'+i)), data)
		writeCandidate(t, downloads, "e"+string(rune('a'+i)), data)
	}

	base := runMatcher(t, Options{
		TorrentPaths:  tpaths,
		DownloadRoots: []string{downloads},
		Workers:       1,
	})

	for _, workers := range []int{1, 4, 8} {
		again := runMatcher(t, Options{
			TorrentPaths:  tpaths,
			DownloadRoots: []string{downloads},
			Workers:       workers,
		})
		require.Equal(t, base.Matches, again.Matches)
		require.Equal(t, base.Mapping, again.Mapping)
	}
}

// A persistent staging store lets a second run resolve single-file
// witnesses from memoised hashes without reading candidates again.
func TestRun_MemoisedRerun(t *testing.T) {
	torrentDir := t.TempDir()
	downloads := t.TempDir()
	db := filepath.Join(t.TempDir(), "staging.db")

	data := content(30, 40000)
	tpath := writeTorrent(t, torrentDir, "keep.bin", 16384,
		[]fixtureFile{{data: data}}, true)
	cpath := writeCandidate(t, downloads, "kept.bin", data)

	opts := Options{
		TorrentPaths:  []string{tpath},
		DownloadRoots: []string{downloads},
		DatabasePath:  db,
	}

	first := runMatcher(t, opts)
	require.Equal(t, []string{cpath}, first.Mapping[tpath]["keep.bin"])
	require.NotZero(t, first.Stats.BytesHashed)

	second := runMatcher(t, opts)
	require.Equal(t, first.Mapping, second.Mapping)
	require.Zero(t, second.Stats.BytesHashed)
}

// Cross-validate the decoder and witness pipeline against a torrent built
// by the anacrolix metainfo package from a real directory tree.
func TestRun_AnacrolixBuiltTorrent(t *testing.T) {
	const pieceLength = int64(16384)

	base := t.TempDir()
	root := filepath.Join(base, "release")
	require.NoError(t, os.MkdirAll(root, 0o755))

	// Name prefixes pin the in-torrent file order.
	main := content(40, int(pieceLength*3+5))
	extra := content(41, 19)
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "a-main.bin"), main, 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "b-extra.bin"), extra, 0o644))

	info := ameta.Info{Name: "release", PieceLength: pieceLength}
	require.NoError(t, info.BuildFromFilePath(root))
	info.Name = "release"

	mi := ameta.MetaInfo{InfoBytes: abencode.MustMarshal(info)}
	var buf bytes.Buffer
	require.NoError(t, mi.Write(&buf))

	torrentDir := t.TempDir()
	tpath := filepath.Join(torrentDir, "release.torrent")
	require.NoError(t, os.WriteFile(tpath, buf.Bytes(), 0o644))

	// Our parse must agree with the producing library.
	f, err := os.Open(tpath)
	require.NoError(t, err)
	parsed, err := metainfo.Parse(f)
	f.Close()
	require.NoError(t, err)
	require.Equal(t, "release", parsed.Info.Name)
	require.Equal(t, pieceLength, parsed.Info.PieceLength)
	require.Equal(t, int(info.NumPieces()), len(parsed.Info.Pieces))
	require.Len(t, parsed.Info.Files, 2)

	// And the full pipeline must find the renamed copies.
	downloads := t.TempDir()
	pm := writeCandidate(t, downloads, "moved-main.bin", main)
	pe := writeCandidate(t, downloads, "moved-extra.bin", extra)

	res := runMatcher(t, Options{
		TorrentPaths:  []string{tpath},
		DownloadRoots: []string{downloads},
	})

	require.Equal(t, []string{pm}, res.Mapping[tpath]["a-main.bin"])
	require.Equal(t, []string{pe}, res.Mapping[tpath]["b-extra.bin"])
}
