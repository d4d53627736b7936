// Command seeker identifies which files on disk correspond to the files
// listed in a collection of .torrent files. Matching is by content (SHA-1
// of piece-sized ranges), not by name: a file renamed or moved after
// download is still found.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/prxssh/seeker/internal/matcher"
	"github.com/prxssh/seeker/internal/report"
	"github.com/prxssh/seeker/internal/watcher"
	"github.com/prxssh/seeker/pkg/logging"
)

// version is set at build time via ldflags.
var version = "dev"

const maxWorkers = 16

func main() {
	if err := rootCmd().ExecuteContext(signalContext()); err != nil {
		fmt.Fprintf(os.Stderr, "seeker: %v\n", err)
		os.Exit(1)
	}
}

func signalContext() context.Context {
	ctx, _ := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	return ctx
}

func rootCmd() *cobra.Command {
	var (
		torrentPaths  []string
		downloadRoots []string
		databasePath  string
		jsonPath      string
		watch         bool
		workers       int
		verbose       bool
	)

	cmd := &cobra.Command{
		Use:     "seeker",
		Short:   "find downloaded files for .torrent metainfo by content",
		Version: version,
		Long: `seeker scans a collection of .torrent files, derives a minimal set of
verifiable piece fingerprints for every listed file, and matches them
against the files under the download roots by size and SHA-1. Renamed and
moved files are found; same-size impostors are not.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogger(verbose)

			opts := matcher.Options{
				TorrentPaths:  torrentPaths,
				DownloadRoots: downloadRoots,
				DatabasePath:  databasePath,
				Workers:       workers,
			}
			showProgress := !verbose && jsonPath == ""

			if err := runOnce(cmd.Context(), opts, jsonPath, showProgress); err != nil {
				return err
			}
			if !watch {
				return nil
			}
			return watchLoop(cmd.Context(), opts, jsonPath, showProgress, downloadRoots)
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVar(&torrentPaths, "torrent", nil,
		"a .torrent file or a directory to scan for them (repeatable)")
	flags.StringArrayVar(&downloadRoots, "downloads", nil,
		"a directory to scan for candidate files (repeatable)")
	flags.StringVar(&databasePath, "database", ":memory:",
		"staging store location; a file path persists and permits resuming")
	flags.StringVar(&jsonPath, "json", "",
		"write the mapping as JSON to this path instead of a text report")
	flags.BoolVar(&watch, "watch", false,
		"keep running and rematch when the download roots change")
	flags.IntVar(&workers, "workers", defaultWorkers(),
		"concurrent hashing workers")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	cmd.MarkFlagRequired("torrent")
	cmd.MarkFlagRequired("downloads")
	return cmd
}

func defaultWorkers() int {
	n := runtime.NumCPU()
	if n > maxWorkers {
		n = maxWorkers
	}
	return n
}

func setupLogger(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	handler := logging.NewPrettyHandler(os.Stderr, logging.Options{
		Level:      level,
		UseColor:   true,
		TimeFormat: time.Kitchen,
	})
	slog.SetDefault(slog.New(handler))
}

// newProgress adapts a progress bar to the matcher's callback. The bar is
// created lazily because the unit total is only known once the prefilter
// has run.
func newProgress() func(done, total int) {
	var bar *progressbar.ProgressBar
	return func(done, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription("verifying"),
				progressbar.OptionClearOnFinish(),
				progressbar.OptionShowCount(),
			)
		}
		bar.Set(done)
	}
}

func runOnce(ctx context.Context, opts matcher.Options, jsonPath string, showProgress bool) error {
	if showProgress {
		// A fresh bar per run: the unit total differs between runs in
		// watch mode.
		opts.Progress = newProgress()
	}

	res, err := matcher.Run(ctx, opts)
	if err != nil {
		return err
	}

	if jsonPath != "" {
		if err := report.WriteJSON(jsonPath, res); err != nil {
			return err
		}
		slog.Info("report written", slog.String("path", jsonPath))
		return nil
	}
	return report.WriteText(os.Stdout, res)
}

// watchLoop reruns the matcher whenever the watcher reports a settled burst
// of changes in the download root directories, until the context is
// cancelled.
func watchLoop(
	ctx context.Context,
	opts matcher.Options,
	jsonPath string,
	showProgress bool,
	roots []string,
) error {
	rescan := make(chan struct{}, 1)
	w, err := watcher.New(roots, rescan)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-rescan:
			slog.Info("download roots changed; rematching")
			if err := runOnce(ctx, opts, jsonPath, showProgress); err != nil {
				return err
			}
		}
	}
}
