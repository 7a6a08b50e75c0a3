package livereload

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jikku/funnel-server/internal/logging"
)

// DefaultDebounce groups the burst of events an editor save produces
const DefaultDebounce = 150 * time.Millisecond

// Watcher watches a directory tree and calls OnChange after changes settle
type Watcher struct {
	root     string
	ignore   map[string]bool
	debounce time.Duration
	onChange func()
	logger   *logging.Logger
	fsw      *fsnotify.Watcher
}

// NewWatcher watches every non-hidden directory under root. Files in
// ignore (such as the database) never trigger a reload.
func NewWatcher(root string, ignore []string, onChange func(), logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid watch root: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		root:     abs,
		ignore:   make(map[string]bool, len(ignore)),
		debounce: DefaultDebounce,
		onChange: onChange,
		logger:   logger.Named("watcher"),
		fsw:      fsw,
	}
	for _, p := range ignore {
		if a, err := filepath.Abs(p); err == nil {
			w.ignore[a] = true
		}
	}

	if err := w.addTree(abs); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// SetDebounce changes the quiet period before OnChange fires
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// relevant filters out hidden files and ignored paths
func (w *Watcher) relevant(name string) bool {
	if w.ignore[name] {
		return false
	}
	for ignored := range w.ignore {
		if strings.HasPrefix(name, ignored+"-") {
			return false
		}
	}
	rel, err := filepath.Rel(w.root, name)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") {
			return false
		}
	}
	return true
}

// Run processes events until ctx is done, then closes the watcher
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						w.logger.Warn("failed to watch new directory", zap.String("dir", ev.Name), zap.Error(err))
					}
				}
			}
			w.logger.Debug("file changed", zap.String("file", ev.Name), zap.String("op", ev.Op.String()))
			timer.Reset(w.debounce)
			pending = true

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))

		case <-timer.C:
			if pending {
				pending = false
				w.onChange()
			}
		}
	}
}
