// Package watch implements the polling transcript watcher.
//
// Transcripts are append-only; the watcher tracks the last observed
// size per file and reads exactly the new byte range when a file
// grows. Detection is poll-based by design: bounded latency, no
// platform notification dependencies.
package watch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/anthropics/cascade-engine/internal/domain"
)

// TranscriptExt is the filename extension of layer transcript files.
const TranscriptExt = ".ctx"

// SmallFileThreshold is the size in bytes below which a newly
// discovered file is read from offset 0. Files at or above it are
// assumed to hold pre-existing history and are watched from their
// current end to avoid a replay flood.
const SmallFileThreshold = 8192

// Directory rescans run once every scanEveryNCycles poll cycles;
// size-growth checks on registered files still run every cycle.
const scanEveryNCycles = 4

type target struct {
	layer int
	path  string
}

// Watcher polls registered transcript files for size growth and emits
// byte-range deltas. It also rescans registered directories for newly
// created transcript files.
type Watcher struct {
	targets      []target
	scanDirs     []target
	sizes        map[string]int64
	pollInterval time.Duration
	log          *zap.Logger
}

// New creates a Watcher with the given poll interval.
func New(pollInterval time.Duration, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		sizes:        make(map[string]int64),
		pollInterval: pollInterval,
		log:          log,
	}
}

// Watch registers a file to poll. The tracked size is initialized to
// the file's current size so pre-existing content never fires a
// spurious event.
func (w *Watcher) Watch(layer int, path string) {
	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	w.sizes[path] = size
	w.targets = append(w.targets, target{layer: layer, path: path})
}

// WatchDir registers a directory to be periodically rescanned for new
// transcript files.
func (w *Watcher) WatchDir(layer int, dir string) {
	w.scanDirs = append(w.scanDirs, target{layer: layer, path: dir})
}

// Run polls until ctx is cancelled, sending change events to out.
// A full channel blocks the send, throttling detection to consumer
// speed; consumer shutdown is signaled through ctx and exits the loop
// cleanly. Run never returns an error from transient I/O.
func (w *Watcher) Run(ctx context.Context, out chan<- domain.TranscriptChange) {
	w.log.Info("transcript watcher started",
		zap.Int("files", len(w.targets)),
		zap.Int("dirs", len(w.scanDirs)))

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var cycle uint64
	for {
		select {
		case <-ctx.Done():
			w.log.Info("transcript watcher stopping")
			return
		case <-ticker.C:
		}

		cycle++
		if cycle%scanEveryNCycles == 0 {
			w.scanForNewFiles()
		}

		if !w.pollOnce(ctx, out) {
			w.log.Info("transcript watcher consumer gone, shutting down")
			return
		}
	}
}

// pollOnce checks every registered file once. It returns false when
// the consumer is gone (ctx cancelled during a blocked send).
func (w *Watcher) pollOnce(ctx context.Context, out chan<- domain.TranscriptChange) bool {
	for _, tgt := range w.targets {
		info, err := os.Stat(tgt.path)
		if err != nil {
			// Transient: deleted mid-watch or an editor's atomic
			// replace in flight. Skip this cycle, stay registered.
			continue
		}
		currentSize := info.Size()
		lastSize := w.sizes[tgt.path]

		if currentSize < lastSize {
			// Shrinkage means the file was replaced. Re-adopt it
			// under the small-file rule.
			w.log.Debug("transcript shrank, treating as new file",
				zap.Int("layer", tgt.layer),
				zap.String("path", tgt.path),
				zap.Int64("was", lastSize),
				zap.Int64("now", currentSize))
			w.sizes[tgt.path] = adoptOffset(currentSize)
			lastSize = w.sizes[tgt.path]
		}
		if currentSize <= lastSize {
			continue
		}

		delta, err := readRange(tgt.path, lastSize, currentSize)
		if err != nil {
			// Includes partial writes and not-yet-valid UTF-8.
			// Tracked size is not advanced; retried next cycle.
			w.log.Debug("failed to read transcript delta",
				zap.String("path", tgt.path), zap.Error(err))
			continue
		}

		if strings.TrimSpace(delta) == "" {
			w.sizes[tgt.path] = currentSize
			continue
		}

		w.log.Debug("transcript grew",
			zap.Int("layer", tgt.layer),
			zap.Int64("from", lastSize),
			zap.Int64("to", currentSize))

		change := domain.TranscriptChange{
			Layer:     tgt.layer,
			Path:      tgt.path,
			Delta:     delta,
			TotalSize: currentSize,
		}

		select {
		case out <- change:
		case <-ctx.Done():
			return false
		}

		w.sizes[tgt.path] = currentSize
	}
	return true
}

// scanForNewFiles registers transcript files that appeared in watched
// directories since the last scan.
func (w *Watcher) scanForNewFiles() {
	for _, dir := range w.scanDirs {
		entries, err := os.ReadDir(dir.path)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != TranscriptExt {
				continue
			}
			path := filepath.Join(dir.path, entry.Name())
			if _, known := w.sizes[path]; known {
				continue
			}
			var size int64
			if info, err := os.Stat(path); err == nil {
				size = info.Size()
			}
			start := adoptOffset(size)
			w.log.Info("new transcript discovered",
				zap.Int("layer", dir.layer),
				zap.String("path", path),
				zap.Int64("size", size),
				zap.Int64("start_offset", start))
			w.sizes[path] = start
			w.targets = append(w.targets, target{layer: dir.layer, path: path})
		}
	}
}

// adoptOffset decides the initial tracked size for a freshly adopted
// file: tiny files replay from 0 to capture content written before
// detection, larger ones are watched from their current end.
func adoptOffset(size int64) int64 {
	if size < SmallFileThreshold {
		return 0
	}
	return size
}

// readRange reads exactly bytes [from, to) of the file and decodes
// them as UTF-8. A decode failure is an error so the caller retries
// the range next cycle without advancing.
func readRange(path string, from, to int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", domain.WrapStackError(domain.ErrDeltaRead.Code, "open transcript", err)
	}
	defer f.Close()

	buf := make([]byte, to-from)
	if _, err := f.ReadAt(buf, from); err != nil && err != io.EOF {
		return "", domain.WrapStackError(domain.ErrDeltaRead.Code, "read transcript range", err)
	}

	if !utf8.Valid(buf) {
		return "", fmt.Errorf("%w: bytes %d-%d of %s", domain.ErrDeltaNotUTF8, from, to, path)
	}
	return string(buf), nil
}

// FindLatestTranscript returns the lexically last transcript file in a
// sessions directory, or the empty string if none exists.
func FindLatestTranscript(sessionsDir string) string {
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		return ""
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == TranscriptExt {
			files = append(files, entry.Name())
		}
	}
	if len(files) == 0 {
		return ""
	}
	sort.Strings(files)
	return filepath.Join(sessionsDir, files[len(files)-1])
}
