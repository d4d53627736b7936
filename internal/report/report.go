// Package report renders a matching run for humans (text paragraphs on
// stdout) or machines (a JSON document).
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/prxssh/seeker/internal/matcher"
)

// WriteText writes one paragraph per match followed by a short summary.
func WriteText(w io.Writer, res *matcher.Result) error {
	for _, m := range res.Matches {
		if _, err := fmt.Fprintf(
			w,
			"File on disk: %s\nTorrent file: %s\nPath within torrent: %s\n\n",
			m.PhysicalPath, m.TorrentPath, m.LogicalPath,
		); err != nil {
			return err
		}
	}

	_, err := fmt.Fprintf(
		w,
		"Found %d matches across %d torrents (%d candidates scanned, %s hashed in %s)\n",
		len(res.Matches),
		res.Stats.TorrentsParsed,
		res.Stats.Candidates,
		humanize.IBytes(uint64(res.Stats.BytesHashed)),
		res.Stats.Elapsed.Round(time.Millisecond),
	)
	return err
}

// WriteJSON writes the mapping as
// { metainfoPath: { logicalPath: [physicalPath, ...] } } to path.
func WriteJSON(path string, res *matcher.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create %q: %w", path, err)
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res.Mapping); err != nil {
		f.Close()
		return fmt.Errorf("report: encode %q: %w", path, err)
	}
	return f.Close()
}
