package manifest

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 250 * time.Millisecond

// Watch syncs path once and then again whenever the file changes, until ctx
// is done. The parent directory is watched so editors that replace the
// file by rename are picked up.
func (s *Syncer) Watch(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve manifest path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var (
		mu       sync.Mutex
		timer    *time.Timer
		lastHash [sha256.Size]byte
	)
	apply := func() {
		mu.Lock()
		defer mu.Unlock()
		b, err := os.ReadFile(abs)
		if err != nil {
			s.logger.Warn("read manifest", "path", abs, "err", err)
			return
		}
		h := sha256.Sum256(b)
		if h == lastHash {
			s.logger.Debug("manifest unchanged", "path", abs)
			return
		}
		m, err := Parse(b)
		if err != nil {
			s.logger.Warn("manifest rejected", "path", abs, "err", err)
			return
		}
		res, err := s.Sync(ctx, m)
		if err != nil {
			s.logger.Error("sync manifest", "path", abs, "err", err)
			return
		}
		lastHash = h
		s.logger.Info("manifest synced", "path", abs, "created", res.Created, "updated", res.Updated, "unchanged", res.Unchanged)
	}
	apply()

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("manifest watcher closed")
			}
			if filepath.Base(ev.Name) != filepath.Base(abs) || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceDelay, apply)
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("manifest watcher closed")
			}
			s.logger.Warn("manifest watcher error", "err", err)
		}
	}
}
