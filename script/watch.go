package script

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Watch resolves once pathname is reported changed by the filesystem, or
// returns early if ctx is cancelled. The fsnotify.Watcher is added on the
// file's containing directory — watching the file itself misses the
// remove-then-recreate saves many editors perform — with events filtered
// down to the one path of interest.
func Watch(ctx context.Context, pathname string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "script: failed to create filesystem watcher")
	}
	defer watcher.Close()

	dir := filepath.Dir(pathname)
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "script: failed to watch %s", dir)
	}

	log := logrus.StandardLogger().WithFields(logrus.Fields{"component": "script", "path": pathname})

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("script: watcher closed unexpectedly")
			}
			log.WithField("event", ev).Debug("filesystem event")
			if filepath.Clean(ev.Name) == filepath.Clean(pathname) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("script: watcher closed unexpectedly")
			}
			return errors.Wrap(err, "script: filesystem watch error")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
