package staging

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/teranos/stagebus/errors"
)

// IncomingWatcher nudges the orchestrator when something lands in incoming/,
// so a submission is picked up before the next poll tick. Polling remains
// the source of truth; a dropped notification only costs latency.
type IncomingWatcher struct {
	area    *Area
	watcher *fsnotify.Watcher
	nudges  chan struct{}
}

// NewIncomingWatcher watches area's incoming/ directory
func NewIncomingWatcher(area *Area) (*IncomingWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create incoming watcher")
	}
	if err := w.Add(area.Path(DirIncoming)); err != nil {
		w.Close()
		return nil, errors.Wrap(err, "watch incoming")
	}
	return &IncomingWatcher{
		area:    area,
		watcher: w,
		nudges:  make(chan struct{}, 1),
	}, nil
}

// Nudges delivers at most one pending notification at a time
func (w *IncomingWatcher) Nudges() <-chan struct{} {
	return w.nudges
}

// Run forwards relevant events until ctx is cancelled, then closes the watcher
func (w *IncomingWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Write) {
				continue
			}
			if IsIgnored(filepath.Base(event.Name)) {
				continue
			}
			select {
			case w.nudges <- struct{}{}:
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.area.logger.Warnw("Incoming watcher error", "error", err)
		}
	}
}
