package matcher

import "log/slog"

// Result is the aggregated outcome of a run: the deduplicated matches, the
// mapping they form, accumulated warnings and run statistics.
type Result struct {
	// Matches in insertion order, deduplicated on the full
	// (torrent, logical, physical) triple.
	Matches []Match

	// Mapping groups matches as metainfo path -> logical path -> physical
	// paths. Physical paths keep insertion order, which makes output
	// reproducible but is not part of the contract.
	Mapping map[string]map[string][]string

	// Warnings accumulated from per-file and per-candidate failures.
	// They never taint successful matches.
	Warnings []string

	Stats Stats
}

// aggregator collects match records from the collector goroutine and folds
// duplicates.
type aggregator struct {
	matches  []Match
	seen     map[Match]bool
	warnings []string
	bytes    int64
}

func newAggregator() *aggregator {
	return &aggregator{seen: make(map[Match]bool)}
}

func (a *aggregator) add(m Match) {
	if a.seen[m] {
		return
	}
	a.seen[m] = true
	a.matches = append(a.matches, m)
}

func (a *aggregator) warn(msg string) {
	slog.Warn(msg)
	a.warnings = append(a.warnings, msg)
}

func (a *aggregator) addBytes(n int64) { a.bytes += n }

func (a *aggregator) result() *Result {
	mapping := make(map[string]map[string][]string)
	for _, m := range a.matches {
		byLogical, ok := mapping[m.TorrentPath]
		if !ok {
			byLogical = make(map[string][]string)
			mapping[m.TorrentPath] = byLogical
		}
		byLogical[m.LogicalPath] = append(
			byLogical[m.LogicalPath], m.PhysicalPath,
		)
	}

	return &Result{
		Matches:  a.matches,
		Mapping:  mapping,
		Warnings: a.warnings,
		Stats:    Stats{BytesHashed: a.bytes},
	}
}
