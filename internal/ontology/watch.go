package ontology

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultDebounce is how long Watch waits for writes to settle.
const DefaultDebounce = 250 * time.Millisecond

// Watch reloads the ontology at path into h whenever the file changes, until
// ctx is cancelled. The parent directory is watched so that editors which
// replace the file by rename are picked up. A reload that fails validation
// is logged and the previous snapshot keeps serving.
func Watch(ctx context.Context, path string, h *Holder, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return eris.Wrapf(err, "ontology: resolve %s", path)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return eris.Wrap(err, "ontology: create watcher")
	}
	defer w.Close() //nolint:errcheck

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return eris.Wrapf(err, "ontology: watch %s", filepath.Dir(abs))
	}
	log := zap.L().With(zap.String("path", abs))
	log.Info("ontology: watching for changes")

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			timerC = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("ontology: watcher error", zap.Error(err))
		case <-timerC:
			timerC = nil
			if _, err := h.Reload(abs); err != nil {
				log.Warn("ontology: reload rejected, keeping previous snapshot", zap.Error(err))
			}
		}
	}
}
