package inventory

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// CandidateFile is one file discovered under a download root, considered as
// a possible match for one or more witnesses by virtue of size equality.
type CandidateFile struct {
	PhysicalPath string
	Size         int64
}

// ConfigError reports invalid scan inputs: a path that does not exist, or a
// download root that is not a directory. It is fatal and raised before any
// work happens.
type ConfigError struct {
	Path   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

// ValidateTorrentPaths checks that every torrent argument exists. Each may
// be a .torrent file or a directory to scan for them.
func ValidateTorrentPaths(paths []string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return &ConfigError{Path: p, Reason: "does not exist"}
		}
	}
	return nil
}

// ValidateDownloadRoots checks that every download root exists and is a
// directory.
func ValidateDownloadRoots(roots []string) error {
	for _, p := range roots {
		fi, err := os.Stat(p)
		if err != nil {
			return &ConfigError{Path: p, Reason: "does not exist"}
		}
		if !fi.IsDir() {
			return &ConfigError{Path: p, Reason: "not a directory"}
		}
	}
	return nil
}

// CollectTorrents resolves the torrent arguments to the list of .torrent
// files to parse. A file argument is taken as-is; a directory is walked
// recursively and every *.torrent file below it is collected. Walk errors
// on individual entries are logged and skipped.
func CollectTorrents(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return nil, &ConfigError{Path: p, Reason: "does not exist"}
		}

		if !fi.IsDir() {
			out = append(out, p)
			continue
		}

		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, werr error) error {
			if werr != nil {
				slog.Warn(
					"skipping unreadable entry",
					slog.String("path", path),
					slog.String("error", werr.Error()),
				)
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if strings.EqualFold(filepath.Ext(path), ".torrent") {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %q: %w", p, err)
		}
	}
	return out, nil
}

// CollectCandidates walks the download roots and yields every regular file
// with its size. The inventory is authoritative for the matcher: sizes read
// here drive the prefilter, and a later mismatch on disk is treated as a
// truncated read. Per-entry errors are logged and skipped so one unreadable
// file never aborts the scan.
func CollectCandidates(roots []string) ([]CandidateFile, error) {
	var out []CandidateFile
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, werr error) error {
			if werr != nil {
				slog.Warn(
					"skipping unreadable entry",
					slog.String("path", path),
					slog.String("error", werr.Error()),
				)
				return nil
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				slog.Warn(
					"skipping unstatable file",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
				return nil
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			out = append(out, CandidateFile{
				PhysicalPath: path,
				Size:         info.Size(),
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %q: %w", root, err)
		}
	}
	return out, nil
}
