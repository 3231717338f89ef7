package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Sub-directories receiving handled files.
const (
	ProcessedDir = ".processed"
	FailedDir    = ".failed"
)

// FileDrop emits files dropped into a directory once they are fully written.
// A file counts as fully written when its size and modification time did not
// change over one check interval. Handled files are moved to .processed or .failed.
type FileDrop struct {
	dir      string
	interval time.Duration
	logger   *zap.Logger

	pending map[string]fileState
}

type fileState struct {
	size    int64
	modTime time.Time
}

// NewFileDrop creates a FILE_DROP source watching dir.
func NewFileDrop(dir string, interval time.Duration, logger *zap.Logger) *FileDrop {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileDrop{
		dir:      filepath.Clean(strings.TrimPrefix(dir, "file://")),
		interval: interval,
		logger:   logger.With(zap.String("dir", dir)),
		pending:  make(map[string]fileState),
	}
}

// Run watches the directory until ctx is done.
func (f *FileDrop) Run(ctx context.Context, emit EmitFunc) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create drop directory: %w", err)
	}

	var events chan fsnotify.Event
	var watchErrs chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(f.dir)
	}
	if err != nil {
		// polling alone still finds every file
		f.logger.Warn("File watcher unavailable, polling only", zap.Error(err))
		if watcher != nil {
			_ = watcher.Close()
			watcher = nil
		}
	} else {
		defer watcher.Close()
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	f.scan()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				f.track(ev.Name)
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			f.watchFailed(err)
		case <-ticker.C:
			if watcher == nil {
				f.scan()
			}
			f.flush(ctx, emit)
		}
	}
}

// watchFailed logs a watcher error and rescans, since events may have been dropped.
func (f *FileDrop) watchFailed(err error) {
	f.logger.Warn("File watcher error, rescanning drop directory",
		zap.String("dir", f.dir),
		zap.Error(err))
	f.scan()
}

func (f *FileDrop) scan() {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		f.logger.Warn("Failed to scan drop directory", zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			f.track(filepath.Join(f.dir, e.Name()))
		}
	}
}

func (f *FileDrop) track(path string) {
	name := filepath.Base(path)
	if filepath.Dir(path) != f.dir || strings.HasPrefix(name, ".") {
		return
	}
	if _, ok := f.pending[path]; !ok {
		f.pending[path] = fileState{size: -1}
	}
}

// flush emits files whose size settled since the previous tick.
func (f *FileDrop) flush(ctx context.Context, emit EmitFunc) {
	for path, prev := range f.pending {
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			delete(f.pending, path)
			continue
		}
		cur := fileState{size: info.Size(), modTime: info.ModTime()}
		if cur.size != prev.size || !cur.modTime.Equal(prev.modTime) {
			f.pending[path] = cur
			continue
		}
		delete(f.pending, path)
		if ctx.Err() != nil {
			return
		}
		f.handle(ctx, emit, path, info)
	}
}

func (f *FileDrop) handle(ctx context.Context, emit EmitFunc, path string, info os.FileInfo) {
	name := filepath.Base(path)
	item := Item{
		Key:  path,
		Name: name,
		Headers: map[string]string{
			HeaderFileName: name,
			HeaderSource:   "FILE_DROP",
			HeaderSize:     strconv.FormatInt(info.Size(), 10),
		},
		Load: func(context.Context) ([]byte, error) {
			return os.ReadFile(path)
		},
	}

	target := ProcessedDir
	if err := emit(ctx, item); err != nil {
		if ctx.Err() != nil {
			// interrupted by stop, picked up again on the next run
			return
		}
		target = FailedDir
		f.logger.Warn("Dropped file failed processing", zap.String("file", name), zap.Error(err))
	}
	if err := f.move(path, target); err != nil {
		f.logger.Error("Failed to move handled file", zap.String("file", name), zap.Error(err))
	}
}

func (f *FileDrop) move(path, sub string) error {
	dst := filepath.Join(f.dir, sub)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	return os.Rename(path, filepath.Join(dst, filepath.Base(path)))
}
