package matcher

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding"
	"fmt"
	"hash"
	"io"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/seeker/internal/inventory"
	"github.com/prxssh/seeker/internal/witness"
)

// spanTupleCap bounds the Cartesian enumeration of span candidates. Size
// collisions at every member position are the only way to approach it; when
// the cap trips the span is reported and the remaining tuples are skipped.
const spanTupleCap = 4096

type verifier struct {
	torrents      []*Torrent
	index         sizeIndex
	store         pieceHashStager
	candidateRefs map[string]int64
	workers       int
	progress      func(done, total int)
	agg           *aggregator
}

// pieceHashStager is the slice of the staging store the verifier consumes.
// A nil store disables memoisation and staging writes.
type pieceHashStager interface {
	LookupPieceHash(path string, pieceSize, offset int64) ([]byte, bool, error)
	SavePieceHash(candidateRef int64, path string, pieceSize, offset int64, hash []byte) error
	SaveSpanMatch(spanMemberRef, candidateRef int64) error
}

// event is one verification outcome. Workers accumulate events per unit of
// work; the collector applies whole units in submission order so the
// emitted mapping is identical across runs regardless of worker count.
type event struct {
	match       *Match
	warning     string
	bytesHashed int64
	memo        *memoRec
	spanMatch   *spanRec
}

type memoRec struct {
	path      string
	pieceSize int64
	offset    int64
	hash      []byte
}

type spanRec struct {
	memberRef    int64
	candidateRef int64
}

// boundSingle ties a single-file witness to its owning torrent.
type boundSingle struct {
	t *Torrent
	w witness.SingleFile
}

// candidateGroup gathers every single-file witness joined to one candidate
// by size equality. The group is verified from one buffered read of the
// minimal covering prefix, which bounds disk seeks per file to O(1).
type candidateGroup struct {
	file inventory.CandidateFile
	jobs []boundSingle
}

// boundSpan ties a span witness to its owning torrent.
type boundSpan struct {
	t       *Torrent
	spanIdx int
}

func (v *verifier) run(ctx context.Context) error {
	type unit func(emit func(event))

	var units []unit
	for _, grp := range v.buildSingleGroups() {
		units = append(units, func(emit func(event)) {
			v.verifySingleGroup(grp, emit)
		})
	}
	for _, sp := range v.buildSpanJobs() {
		units = append(units, func(emit func(event)) {
			v.verifySpan(sp, emit)
		})
	}
	total := len(units)

	batches := make([][]event, total)
	doneCh := make(chan struct{}, total)
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		done := 0
		for range doneCh {
			done++
			if v.progress != nil {
				v.progress(done, total)
			}
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	workers := v.workers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)

	for i, u := range units {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			u(func(ev event) {
				batches[i] = append(batches[i], ev)
			})
			doneCh <- struct{}{}
			return nil
		})
	}

	err := g.Wait()
	close(doneCh)
	<-progressDone
	if err != nil {
		return err
	}

	// Apply units in submission order: store writes and match insertion
	// stay single-owner and deterministic.
	for _, batch := range batches {
		for _, ev := range batch {
			if err := v.apply(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *verifier) apply(ev event) error {
	if ev.warning != "" {
		v.agg.warn(ev.warning)
	}
	if ev.match != nil {
		v.agg.add(*ev.match)
	}
	v.agg.addBytes(ev.bytesHashed)
	if ev.memo != nil && v.store != nil {
		ref := v.candidateRefs[ev.memo.path]
		if err := v.store.SavePieceHash(
			ref, ev.memo.path,
			ev.memo.pieceSize, ev.memo.offset, ev.memo.hash,
		); err != nil {
			return err
		}
	}
	if ev.spanMatch != nil && v.store != nil {
		if err := v.store.SaveSpanMatch(
			ev.spanMatch.memberRef,
			ev.spanMatch.candidateRef,
		); err != nil {
			return err
		}
	}
	return nil
}

// buildSingleGroups joins single-file witnesses to candidates through the
// size index and groups the result per physical file.
func (v *verifier) buildSingleGroups() []*candidateGroup {
	byPath := make(map[string]*candidateGroup)
	var order []string

	for _, t := range v.torrents {
		for _, w := range t.Witnesses.Singles {
			for _, c := range v.index.candidates(w.FileLength) {
				grp, ok := byPath[c.PhysicalPath]
				if !ok {
					grp = &candidateGroup{file: c}
					byPath[c.PhysicalPath] = grp
					order = append(order, c.PhysicalPath)
				}
				grp.jobs = append(grp.jobs, boundSingle{t: t, w: w})
			}
		}
	}

	groups := make([]*candidateGroup, 0, len(order))
	for _, p := range order {
		groups = append(groups, byPath[p])
	}
	return groups
}

func (v *verifier) buildSpanJobs() []boundSpan {
	var jobs []boundSpan
	for _, t := range v.torrents {
		for i := range t.Witnesses.Spans {
			jobs = append(jobs, boundSpan{t: t, spanIdx: i})
		}
	}
	return jobs
}

// verifySingleGroup checks every witness joined to one candidate file. All
// witnessed ranges are served from a single read of the covering prefix;
// if the staging store already holds every needed hash, the file is not
// read at all.
func (v *verifier) verifySingleGroup(grp *candidateGroup, emit func(event)) {
	path := grp.file.PhysicalPath

	var readEnd int64
	for _, job := range grp.jobs {
		if end := job.w.Offset + job.w.PieceLength; end > readEnd {
			readEnd = end
		}
	}

	if v.tryMemoised(grp, emit) {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		emit(event{warning: fmt.Sprintf(
			"cannot read candidate %s: %v", path, err,
		)})
		return
	}
	defer f.Close()

	data := make([]byte, readEnd)
	if _, err := io.ReadFull(f, data); err != nil {
		// The size index said this file was long enough; it shrank
		// or was swapped since the inventory walk.
		emit(event{warning: fmt.Sprintf(
			"candidate %s is shorter than %d bytes (%v); skipping",
			path, readEnd, err,
		)})
		return
	}

	seen := make(map[[2]int64]bool)
	for _, job := range grp.jobs {
		w := job.w
		sum := sha1.Sum(data[w.Offset : w.Offset+w.PieceLength])

		ev := event{bytesHashed: w.PieceLength}
		if rng := [2]int64{w.Offset, w.PieceLength}; !seen[rng] {
			seen[rng] = true
			ev.memo = &memoRec{
				path:      path,
				pieceSize: w.PieceLength,
				offset:    w.Offset,
				hash:      sum[:],
			}
		}
		if sum == w.Hash {
			ev.match = &Match{
				TorrentPath:  job.t.Path,
				LogicalPath:  w.LogicalPath,
				PhysicalPath: path,
			}
		}
		emit(ev)
	}
}

// tryMemoised resolves the whole group from staged piece hashes. It only
// succeeds when every witnessed range is already in the store.
func (v *verifier) tryMemoised(grp *candidateGroup, emit func(event)) bool {
	if v.store == nil {
		return false
	}

	type memoHit struct {
		job  boundSingle
		hash []byte
	}
	hits := make([]memoHit, 0, len(grp.jobs))
	for _, job := range grp.jobs {
		h, ok, err := v.store.LookupPieceHash(
			grp.file.PhysicalPath, job.w.PieceLength, job.w.Offset,
		)
		if err != nil || !ok {
			return false
		}
		hits = append(hits, memoHit{job: job, hash: h})
	}

	for _, hit := range hits {
		if bytes.Equal(hit.hash, hit.job.w.Hash[:]) {
			emit(event{match: &Match{
				TorrentPath:  hit.job.t.Path,
				LogicalPath:  hit.job.w.LogicalPath,
				PhysicalPath: grp.file.PhysicalPath,
			}})
		}
	}
	return true
}

// sliceKey identifies one candidate byte range inside a span verification.
type sliceKey struct {
	path       string
	start, end int64
}

// verifySpan enumerates the Cartesian product of per-member candidate lists
// depth-first with an explicit stack. The SHA-1 state is snapshotted at
// each level so siblings share the prefix hash over earlier members.
func (v *verifier) verifySpan(job boundSpan, emit func(event)) {
	sp := &job.t.Witnesses.Spans[job.spanIdx]
	k := len(sp.Members)

	cands := make([][]inventory.CandidateFile, k)
	for j, m := range sp.Members {
		cands[j] = v.index.candidates(m.FileLength)
		if len(cands[j]) == 0 {
			return
		}
	}

	slices := make(map[sliceKey][]byte)
	failed := make(map[sliceKey]bool)
	readSlice := func(c inventory.CandidateFile, m witness.SpanMember) []byte {
		key := sliceKey{c.PhysicalPath, m.Start, m.End}
		if data, ok := slices[key]; ok {
			return data
		}
		if failed[key] {
			return nil
		}

		data, err := readRange(c.PhysicalPath, m.Start, m.End)
		if err != nil {
			failed[key] = true
			emit(event{warning: fmt.Sprintf(
				"cannot read candidate %s: %v", c.PhysicalPath, err,
			)})
			return nil
		}
		slices[key] = data
		emit(event{bytesHashed: m.End - m.Start})
		return data
	}

	// One enumeration frame per member depth: the next candidate to try
	// and the marshaled hash state over members[0:depth].
	type frame struct {
		next  int
		state []byte
	}
	stack := make([]frame, 1, k)
	stack[0] = frame{state: marshalHash(sha1.New())}
	chosen := make([]inventory.CandidateFile, k)
	tuples := 0

	for len(stack) > 0 {
		d := len(stack) - 1
		fr := &stack[d]

		if fr.next >= len(cands[d]) {
			stack = stack[:d]
			continue
		}
		c := cands[d][fr.next]
		fr.next++

		data := readSlice(c, sp.Members[d])
		if data == nil {
			continue
		}

		h := unmarshalHash(fr.state)
		h.Write(data)
		chosen[d] = c

		if d < k-1 {
			stack = append(stack, frame{state: marshalHash(h)})
			continue
		}

		tuples++
		var sum [sha1.Size]byte
		copy(sum[:], h.Sum(nil))
		if sum == sp.Hash {
			for j, m := range sp.Members {
				ev := event{match: &Match{
					TorrentPath:  job.t.Path,
					LogicalPath:  m.LogicalPath,
					PhysicalPath: chosen[j].PhysicalPath,
				}}
				if job.t.spanMemberIDs != nil && v.candidateRefs != nil {
					ev.spanMatch = &spanRec{
						memberRef:    job.t.spanMemberIDs[job.spanIdx][j],
						candidateRef: v.candidateRefs[chosen[j].PhysicalPath],
					}
				}
				emit(ev)
			}
		}

		if tuples >= spanTupleCap {
			emit(event{warning: fmt.Sprintf(
				"span witness for piece %d of %s: candidate tuple cap (%d) reached; remaining combinations skipped",
				sp.PieceIndex, job.t.Path, spanTupleCap,
			)})
			return
		}
	}
}

// readRange reads the byte range [start, end) of the file at path. A file
// shorter than end yields an error: the inventory size was stale.
func readRange(path string, start, end int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data := make([]byte, end-start)
	n, err := f.ReadAt(data, start)
	if n < len(data) {
		// ReadAt reports io.EOF even on a full read ending exactly at
		// EOF; only a short count means the inventory size was stale.
		return nil, fmt.Errorf("short read: %w", err)
	}
	return data, nil
}

// marshalHash snapshots a SHA-1 midstate. The digest's chaining state is a
// few words, so the copy is effectively O(1).
func marshalHash(h hash.Hash) []byte {
	m, err := h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		// crypto/sha1's MarshalBinary cannot fail.
		panic(err)
	}
	return m
}

func unmarshalHash(state []byte) hash.Hash {
	h := sha1.New()
	if err := h.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		panic(err)
	}
	return h
}
