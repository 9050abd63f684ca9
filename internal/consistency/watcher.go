package consistency

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loomworks/loom/internal/docs"
)

// debounceWindow coalesces bursts of file events into one detection pass.
// Editors and the coordinator both touch several files in quick succession.
const debounceWindow = 500 * time.Millisecond

// DriftWatcher re-runs drift detection whenever a managed markdown document
// changes on disk outside the coordinator. It watches the epics, stories,
// and ceremonies directories and emits a Report per settled burst of
// changes. Clean reports are not emitted.
type DriftWatcher struct {
	checker *Checker
	tree    *docs.Tree
	log     *slog.Logger

	watcher *fsnotify.Watcher
	reports chan *Report
	errs    chan error
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewDriftWatcher creates a watcher over the checker's document tree. The
// watcher is inert until Start is called.
func NewDriftWatcher(checker *Checker, tree *docs.Tree, log *slog.Logger) (*DriftWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	return &DriftWatcher{
		checker: checker,
		tree:    tree,
		log:     log,
		watcher: fw,
		reports: make(chan *Report, 8),
		errs:    make(chan error, 8),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching the document directories. Missing directories are
// skipped; per-epic story subdirectories are picked up as they appear.
func (w *DriftWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	for _, dir := range []string{docs.EpicsDir, docs.CeremoniesDir} {
		if err := w.addIfExists(w.tree.Abs(dir)); err != nil {
			return err
		}
	}
	if err := w.addStoryDirs(); err != nil {
		return err
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and blocks until the event loop has exited. The
// report and error channels are closed.
func (w *DriftWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()

	close(w.reports)
	close(w.errs)
	return nil
}

// Reports returns the channel delivering non-clean detection reports.
// Closed when the watcher is stopped.
func (w *DriftWatcher) Reports() <-chan *Report {
	return w.reports
}

// Errors returns the channel delivering watch and detection errors.
// Closed when the watcher is stopped.
func (w *DriftWatcher) Errors() <-chan error {
	return w.errs
}

// addIfExists watches a directory, tolerating its absence. A fresh project
// may not have created every document directory yet.
func (w *DriftWatcher) addIfExists(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return nil
}

// addStoryDirs watches the stories root and every per-epic subdirectory.
func (w *DriftWatcher) addStoryDirs() error {
	root := w.tree.Abs(docs.StoriesDir)
	if err := w.addIfExists(root); err != nil {
		return err
	}

	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", root, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := w.addIfExists(filepath.Join(root, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// processEvents is the event loop: relevant events arm a debounce timer,
// and when the timer fires a single detection pass runs for the whole
// burst.
func (w *DriftWatcher) processEvents() {
	defer w.wg.Done()

	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.log.Debug("document changed on disk", "path", event.Name, "op", event.Op.String())
			if debounce == nil {
				debounce = time.NewTimer(debounceWindow)
				fire = debounce.C
			} else {
				debounce.Reset(debounceWindow)
			}

		case <-fire:
			debounce = nil
			fire = nil
			w.runCheck()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			case <-w.done:
				return
			}
		}
	}
}

// relevant filters events down to markdown documents under the managed
// directories. New per-epic story directories are added to the watch as a
// side effect, since fsnotify watches are not recursive.
func (w *DriftWatcher) relevant(event fsnotify.Event) bool {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if filepath.Dir(event.Name) == w.tree.Abs(docs.StoriesDir) {
				if err := w.watcher.Add(event.Name); err != nil {
					select {
					case w.errs <- err:
					default:
					}
				}
			}
			return false
		}
	}

	if !strings.HasSuffix(event.Name, ".md") {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}

// runCheck performs one detection pass and delivers a non-clean report.
func (w *DriftWatcher) runCheck() {
	report, err := w.checker.Check(context.Background())
	if err != nil {
		w.log.Warn("drift detection failed", "error", err)
		select {
		case w.errs <- err:
		case <-w.done:
		}
		return
	}
	if report.Clean() {
		return
	}

	w.log.Info("drift detected", "issues", len(report.Issues))
	select {
	case w.reports <- report:
	case <-w.done:
	}
}
