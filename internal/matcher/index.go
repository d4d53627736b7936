package matcher

import "github.com/prxssh/seeker/internal/inventory"

// sizeIndex is the candidate prefilter: an O(1) lookup from exact file size
// to the on-disk files of that size. Built once per run; read-only after.
type sizeIndex map[int64][]inventory.CandidateFile

func newSizeIndex(files []inventory.CandidateFile) sizeIndex {
	idx := make(sizeIndex)
	for _, f := range files {
		idx[f.Size] = append(idx[f.Size], f)
	}
	return idx
}

// candidates returns every inventory file whose size equals size. A file
// whose size matches no witness contributes zero hashing work.
func (idx sizeIndex) candidates(size int64) []inventory.CandidateFile {
	return idx[size]
}
