// Package matcher joins torrent witness tables against the on-disk file
// inventory. Matching is two-phase: a size-equality prefilter picks which
// candidates are worth hashing against which witnesses, then SHA-1
// verification of the witnessed byte ranges settles identity.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/prxssh/seeker/internal/bencode"
	"github.com/prxssh/seeker/internal/inventory"
	"github.com/prxssh/seeker/internal/metainfo"
	"github.com/prxssh/seeker/internal/store"
	"github.com/prxssh/seeker/internal/witness"
)

// Torrent pairs a parsed metainfo file with the witness tables derived from
// it. The Torrent owns its witnesses; both are immutable after the parse
// phase.
type Torrent struct {
	Path      string
	Meta      *metainfo.Metainfo
	Witnesses *witness.Set

	spanMemberIDs [][]int64
}

// Match declares that the file at PhysicalPath carries the content the
// torrent lists under LogicalPath. The relation is many-to-many.
type Match struct {
	TorrentPath  string
	LogicalPath  string
	PhysicalPath string
}

// Options configures a matching run.
type Options struct {
	// TorrentPaths are .torrent files or directories to scan for them.
	// At least one is required.
	TorrentPaths []string

	// DownloadRoots are directories to scan for candidate files. At
	// least one is required.
	DownloadRoots []string

	// DatabasePath locates the staging store; ":memory:" keeps it
	// ephemeral. Empty disables staging entirely (the engine needs no
	// store to match).
	DatabasePath string

	// Workers bounds concurrent candidate hashing. Zero or negative
	// means one worker.
	Workers int

	// Progress, when set, is called from a single goroutine as
	// verification units complete, with the running count and the total.
	Progress func(done, total int)
}

// Stats summarises a run.
type Stats struct {
	TorrentsParsed  int
	TorrentsSkipped int
	Candidates      int
	SingleWitnesses int
	SpanWitnesses   int
	BytesHashed     int64
	Elapsed         time.Duration
}

// Run executes the full pipeline: parse torrents, derive witnesses, walk
// the download roots, verify candidates and aggregate matches.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if len(opts.TorrentPaths) == 0 || len(opts.DownloadRoots) == 0 {
		return nil, errors.New(
			"matcher: at least one torrent path and one download root required",
		)
	}
	if err := inventory.ValidateTorrentPaths(opts.TorrentPaths); err != nil {
		return nil, err
	}
	if err := inventory.ValidateDownloadRoots(opts.DownloadRoots); err != nil {
		return nil, err
	}

	started := time.Now()

	var st *store.Store
	if opts.DatabasePath != "" {
		var err error
		st, err = store.Open(opts.DatabasePath)
		if err != nil {
			return nil, err
		}
		defer st.Close()
		slog.Debug(
			"staging store opened",
			slog.String("path", opts.DatabasePath),
			slog.String("run", st.RunID().String()),
		)
	}

	agg := newAggregator()

	torrents, skipped, err := parseTorrents(opts.TorrentPaths, st, agg)
	if err != nil {
		return nil, err
	}

	candidates, err := inventory.CollectCandidates(opts.DownloadRoots)
	if err != nil {
		return nil, err
	}
	slog.Info(
		"inventory collected",
		slog.Int("torrents", len(torrents)),
		slog.Int("candidates", len(candidates)),
	)

	var candidateRefs map[string]int64
	if st != nil {
		candidateRefs, err = st.SaveCandidates(candidates)
		if err != nil {
			return nil, err
		}
	}

	v := &verifier{
		torrents:      torrents,
		index:         newSizeIndex(candidates),
		candidateRefs: candidateRefs,
		workers:       opts.Workers,
		progress:      opts.Progress,
		agg:           agg,
	}
	if st != nil {
		v.store = st
	}
	if err := v.run(ctx); err != nil {
		return nil, err
	}

	res := agg.result()
	res.Stats.TorrentsParsed = len(torrents)
	res.Stats.TorrentsSkipped = skipped
	res.Stats.Candidates = len(candidates)
	for _, t := range torrents {
		res.Stats.SingleWitnesses += len(t.Witnesses.Singles)
		res.Stats.SpanWitnesses += len(t.Witnesses.Spans)
	}
	res.Stats.Elapsed = time.Since(started)

	slog.Info(
		"matching complete",
		slog.Int("matches", len(res.Matches)),
		slog.String("hashed", humanize.IBytes(uint64(res.Stats.BytesHashed))),
		slog.Duration("elapsed", res.Stats.Elapsed),
	)
	return res, nil
}

// parseTorrents loads every .torrent file reachable from the configured
// paths. Per-file failures are warnings: the file is skipped and the run
// continues.
func parseTorrents(paths []string, st *store.Store, agg *aggregator) ([]*Torrent, int, error) {
	files, err := inventory.CollectTorrents(paths)
	if err != nil {
		return nil, 0, err
	}

	var torrents []*Torrent
	var skipped int
	var minPiece, maxPiece int64
	for _, path := range files {
		m, err := parseTorrentFile(path)
		if err != nil {
			agg.warn(fmt.Sprintf("skipping %s: %v", path, err))
			skipped++
			continue
		}

		t := &Torrent{
			Path:      path,
			Meta:      m,
			Witnesses: witness.Extract(m.Info),
		}

		if st != nil {
			ref, err := st.SaveTorrent(path, m.Info.Name, m.Info.Hash[:])
			if err != nil {
				return nil, 0, err
			}
			t.spanMemberIDs, err = st.SaveWitnesses(ref, t.Witnesses)
			if err != nil {
				return nil, 0, err
			}
		}

		pl := m.Info.PieceLength
		if minPiece == 0 || pl < minPiece {
			minPiece = pl
		}
		if pl > maxPiece {
			maxPiece = pl
		}

		slog.Debug(
			"torrent parsed",
			slog.String("path", path),
			slog.String("name", m.Info.Name),
			slog.String("infohash", fmt.Sprintf("%x", m.Info.Hash)),
			slog.Int("singles", len(t.Witnesses.Singles)),
			slog.Int("spans", len(t.Witnesses.Spans)),
		)
		torrents = append(torrents, t)
	}

	if len(torrents) > 0 {
		slog.Info(
			"torrents parsed",
			slog.Int("count", len(torrents)),
			slog.String("min_piece", humanize.IBytes(uint64(minPiece))),
			slog.String("max_piece", humanize.IBytes(uint64(maxPiece))),
		)
	}
	return torrents, skipped, nil
}

func parseTorrentFile(path string) (*metainfo.Metainfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := metainfo.Parse(f)
	if err != nil {
		var perr *bencode.ParseError
		var ierr *metainfo.InvalidTorrentError
		switch {
		case errors.Is(err, metainfo.ErrWrongTorrentFile),
			errors.As(err, &perr),
			errors.As(err, &ierr):
			return nil, err
		default:
			return nil, fmt.Errorf("reading %q: %w", path, err)
		}
	}
	return m, nil
}
