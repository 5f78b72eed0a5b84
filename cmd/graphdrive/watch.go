package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/graphdrive/graphdrive"
)

// flushInterval batches rapid write events so a file being written in
// chunks uploads once, after it settles.
const flushInterval = 2 * time.Second

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <local-dir> <remote-folder>",
		Short: "Watch a local directory and upload changed files",
		Long: `Watch a local directory tree and upload created or modified files to
the given remote folder, preserving the relative directory layout.
Runs until interrupted.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := buildClient()
			if err != nil {
				return err
			}
			defer client.Close()

			return runWatch(cmd.Context(), client, args[0], args[1])
		},
	}
}

func runWatch(ctx context.Context, client *graphdrive.Client, localRoot, remoteRoot string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := addWatchTree(watcher, localRoot); err != nil {
		return err
	}

	statusf("watching %s\n", localRoot)

	// Paths with pending changes, flushed in batches.
	dirty := make(map[string]struct{})

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushDirty(context.Background(), client, localRoot, remoteRoot, dirty)
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			handleWatchEvent(ev, watcher, dirty)

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			slog.Warn("filesystem watcher error", slog.String("error", watchErr.Error()))

		case <-ticker.C:
			flushDirty(ctx, client, localRoot, remoteRoot, dirty)
		}
	}
}

// addWatchTree registers a watch on root and every directory under it.
func addWatchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if strings.HasPrefix(d.Name(), ".") && p != root {
			return filepath.SkipDir
		}

		if err := watcher.Add(p); err != nil {
			return fmt.Errorf("watching %s: %w", p, err)
		}

		return nil
	})
}

// handleWatchEvent marks changed files dirty and extends the watch into
// newly created directories.
func handleWatchEvent(ev fsnotify.Event, watcher *fsnotify.Watcher, dirty map[string]struct{}) {
	// Mode changes are not synced.
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") {
		return
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		// Gone already; nothing to upload.
		return
	}

	if info.IsDir() {
		if ev.Has(fsnotify.Create) {
			if addErr := watcher.Add(ev.Name); addErr != nil {
				slog.Warn("failed to watch new directory",
					slog.String("path", ev.Name),
					slog.String("error", addErr.Error()),
				)
			}
		}

		return
	}

	dirty[ev.Name] = struct{}{}
}

// flushDirty uploads every pending file and clears the set. Failed uploads
// stay dirty and retry on the next flush.
func flushDirty(ctx context.Context, client *graphdrive.Client, localRoot, remoteRoot string, dirty map[string]struct{}) {
	for local := range dirty {
		rel, err := filepath.Rel(localRoot, local)
		if err != nil {
			slog.Warn("skipping file outside watch root", slog.String("path", local))
			delete(dirty, local)

			continue
		}

		remotePath := path.Join(remoteRoot, filepath.ToSlash(rel))

		item, err := client.Upload(ctx, local, remotePath)
		if err != nil {
			slog.Warn("upload failed, will retry",
				slog.String("local_path", local),
				slog.String("error", err.Error()),
			)

			continue
		}

		statusf("uploaded %s -> %s (%s)\n", local, remotePath, formatSize(item.Size))
		delete(dirty, local)
	}
}
