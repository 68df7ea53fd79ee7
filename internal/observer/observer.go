// Package observer ties the pipeline together for one watched root: it
// discovers data files through an initial walk and a live filesystem watch,
// and drives each one through classification, preparation and transfer
// under a bounded number of concurrent workers.
//
// The engine never retries in place. A failed file stays in its Error state
// and is picked up again by the next periodic re-walk, which is the only
// retry mechanism.
package observer

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/semaphore"

	"github.com/arcsecond-io/oort/internal/datafile"
	"github.com/arcsecond-io/oort/internal/identity"
	"github.com/arcsecond-io/oort/internal/pack"
	"github.com/arcsecond-io/oort/internal/preparator"
	"github.com/arcsecond-io/oort/internal/store"
	"github.com/arcsecond-io/oort/internal/uploader"
	"github.com/arcsecond-io/oort/internal/zipper"
)

// Config bounds the engine's concurrency and timing.
type Config struct {
	MaxConcurrentUploads int           // workers moving bytes at once (default 3)
	RewalkInterval       time.Duration // full re-walk period while watching (default 5m)
	StabilizeInterval    time.Duration // size polling period for fresh files (default 1s)
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentUploads: 3,
		RewalkInterval:       5 * time.Minute,
		StabilizeInterval:    time.Second,
	}
}

// Validate validates the engine configuration.
func (c Config) Validate() error {
	if c.MaxConcurrentUploads < 1 {
		return fmt.Errorf("MaxConcurrentUploads must be >= 1, got %d", c.MaxConcurrentUploads)
	}
	if c.RewalkInterval <= 0 {
		return fmt.Errorf("RewalkInterval must be > 0, got %v", c.RewalkInterval)
	}
	if c.StabilizeInterval <= 0 {
		return fmt.Errorf("StabilizeInterval must be > 0, got %v", c.StabilizeInterval)
	}
	return nil
}

// Result summarizes one walk pass.
type Result struct {
	Discovered int
	Succeeded  int
	Failed     int
}

// Engine walks and watches one root folder.
type Engine struct {
	root       string
	identity   identity.Identity
	store      *store.Store
	preparator *preparator.Preparator
	uploader   *uploader.Uploader
	zipper     *zipper.Zipper
	logger     *slog.Logger
	config     Config

	zipEnabled bool
	sem        *semaphore.Weighted
	wg         sync.WaitGroup

	mu          sync.Mutex
	inFlight    map[string]bool // record keys currently in a worker
	stabilizing map[string]bool // paths currently being size-polled
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.config = cfg }
}

// WithMaxConcurrentUploads bounds the number of files in flight at once.
func WithMaxConcurrentUploads(n int) Option {
	return func(e *Engine) { e.config.MaxConcurrentUploads = n }
}

// WithRewalkInterval sets the periodic re-walk period.
func WithRewalkInterval(d time.Duration) Option {
	return func(e *Engine) { e.config.RewalkInterval = d }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine for the given root folder. The root must exist and
// be a directory.
func New(rootPath string, id identity.Identity, st *store.Store, prep *preparator.Preparator, up *uploader.Uploader, opts ...Option) (*Engine, error) {
	abs, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat root folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", abs)
	}

	e := &Engine{
		root:        abs,
		identity:    id,
		store:       st,
		preparator:  prep,
		uploader:    up,
		logger:      slog.Default(),
		config:      DefaultConfig(),
		inFlight:    make(map[string]bool),
		stabilizing: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine configuration: %w", err)
	}

	e.zipper = zipper.New(zipper.WithLogger(e.logger))
	// Compression needs a writable root for the sibling archives.
	e.zipEnabled = id.Zip && zipper.CanZip(abs)
	if id.Zip && !e.zipEnabled {
		e.logger.Warn("compression requested but root folder is read-only", "root", abs)
	}

	e.sem = semaphore.NewWeighted(int64(e.config.MaxConcurrentUploads))
	return e, nil
}

// Root returns the absolute path of the watched root folder.
func (e *Engine) Root() string {
	return e.root
}

// RunOnce performs a single walk over the root and waits for every admitted
// file to finish. It is the engine behind the one-shot upload command.
func (e *Engine) RunOnce(ctx context.Context) (*Result, error) {
	result := &Result{}
	var mu sync.Mutex

	e.walk(ctx, nil, func(path string) {
		mu.Lock()
		result.Discovered++
		mu.Unlock()
		e.admit(ctx, path, func(err error) {
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
			} else {
				result.Succeeded++
			}
		})
	})

	e.wg.Wait()
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// Watch performs an initial walk, then blocks, reacting to filesystem
// events and re-walking periodically, until the context is cancelled.
func (e *Engine) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	defer watcher.Close()

	e.walk(ctx, watcher, func(path string) { e.admit(ctx, path, nil) })
	e.logger.Info("watching folder", "root", e.root)

	ticker := time.NewTicker(e.config.RewalkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				e.wg.Wait()
				return nil
			}
			e.handleEvent(ctx, watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				e.wg.Wait()
				return nil
			}
			e.logger.Warn("filesystem watcher error", "error", err)

		case <-ticker.C:
			// The re-walk doubles as the retry pass: files left in an
			// Error state get pushed through the pipeline again.
			e.walk(ctx, watcher, func(path string) { e.admit(ctx, path, nil) })
		}
	}
}

// handleEvent reacts to one filesystem event. New directories are added to
// the watch and walked; new or growing files are size-polled before being
// admitted, so half-written exposures never get uploaded.
func (e *Engine) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if event.Op&fsnotify.Create != 0 && !isHiddenName(filepath.Base(event.Name)) {
			e.walkSubtree(ctx, watcher, event.Name)
		}
		return
	}
	if !e.isCandidate(event.Name) {
		return
	}
	e.stabilizeThenAdmit(ctx, event.Name)
}

// walk traverses the whole root. walkSubtree does the same from an inner
// directory, which is how a directory dropped into a watched root gets its
// contents picked up without waiting for the next periodic pass.
func (e *Engine) walk(ctx context.Context, watcher *fsnotify.Watcher, emit func(path string)) {
	e.walkSubtreeEmit(ctx, watcher, e.root, emit)
}

func (e *Engine) walkSubtree(ctx context.Context, watcher *fsnotify.Watcher, dir string) {
	e.walkSubtreeEmit(ctx, watcher, dir, func(path string) { e.admit(ctx, path, nil) })
}

func (e *Engine) walkSubtreeEmit(ctx context.Context, watcher *fsnotify.Watcher, dir string, emit func(path string)) {
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return filepath.SkipAll
		}
		if err != nil {
			e.logger.Warn("walk error", "path", path, "error", err)
			return nil
		}
		if entry.IsDir() {
			if isHiddenName(entry.Name()) && path != dir {
				return filepath.SkipDir
			}
			if watcher != nil {
				if err := watcher.Add(path); err != nil {
					e.logger.Warn("failed to watch directory", "path", path, "error", err)
				}
			}
			return nil
		}
		if !e.isCandidate(path) {
			return nil
		}
		emit(path)
		return nil
	})
	if err != nil {
		e.logger.Warn("walk aborted", "dir", dir, "error", err)
	}
}

// isCandidate filters out paths that never get a record: non-data files,
// the folder marker, and files already brought to a terminal state.
func (e *Engine) isCandidate(path string) bool {
	name := filepath.Base(path)
	if name == identity.MarkerFileName {
		return false
	}
	if !datafile.IsDataFile(path) && !isHiddenName(name) {
		return false
	}
	if e.store.IsFinished(pack.ClearPathOf(path)) {
		return false
	}
	return true
}

// admit claims the file's record key and hands it to a bounded worker. It
// returns immediately; the wait for a free pool slot happens inside the
// worker, so walks and the event loop only ever enqueue and never sit
// behind a slow transfer. done is called with the processing outcome, nil
// included, unless the file was already in flight.
func (e *Engine) admit(ctx context.Context, path string, done func(error)) {
	key := pack.ClearPathOf(path)
	e.mu.Lock()
	if e.inFlight[key] {
		e.mu.Unlock()
		return
	}
	e.inFlight[key] = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.inFlight, key)
			e.mu.Unlock()
		}()

		if err := e.sem.Acquire(ctx, 1); err != nil {
			if done != nil {
				done(err)
			}
			return
		}
		defer e.sem.Release(1)

		err := e.process(ctx, path)
		if err != nil {
			e.logger.Error("file processing failed", "path", path, "error", err)
		}
		if done != nil {
			done(err)
		}
	}()
}

// stabilizeThenAdmit polls the file size until it stops changing, then
// admits the file. At most one poller runs per path.
func (e *Engine) stabilizeThenAdmit(ctx context.Context, path string) {
	e.mu.Lock()
	if e.stabilizing[path] {
		e.mu.Unlock()
		return
	}
	e.stabilizing[path] = true
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.stabilizing, path)
			e.mu.Unlock()
		}()

		ticker := time.NewTicker(e.config.StabilizeInterval)
		defer ticker.Stop()

		var last int64 = -1
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				info, err := os.Stat(path)
				if err != nil {
					return
				}
				if info.Size() == last {
					e.admit(ctx, path, nil)
					return
				}
				last = info.Size()
			}
		}
	}()
}

// process drives one file through the full pipeline, strictly in sequence:
// header scan, classification, record bookkeeping, optional compression,
// dataset preparation, transfer. Each stage persists its outcome so a crash
// resumes where it left off.
func (e *Engine) process(ctx context.Context, path string) error {
	hdr := datafile.Scan(path)
	pk := pack.New(e.root, path, hdr)

	u, created, err := e.store.GetOrCreate(pk.ClearPath())
	if err != nil {
		return fmt.Errorf("failed to open upload record: %w", err)
	}
	if u.IsFinished() {
		return nil
	}
	// A record still marked in-flight was interrupted by a crash or kill.
	// This pass is a new attempt, so its phase sequence starts over.
	if err := e.store.Resume(u); err != nil {
		return fmt.Errorf("failed to resume interrupted record: %w", err)
	}
	if created {
		e.logger.Info("new file discovered", "path", path, "dataset", pk.DatasetName)
	}

	e.collectFileInfo(pk, u)

	if skip, sub := e.shouldSkip(pk); skip {
		if err := e.store.Transition(u, store.StatusOK, sub); err != nil {
			return fmt.Errorf("failed to record skip: %w", err)
		}
		e.logger.Info("file skipped", "path", path, "reason", sub)
		return nil
	}

	if e.zipEnabled && pk.ClearPath() != pk.ZippedPath() {
		if err := e.store.Transition(u, store.StatusPreparing, store.SubstatusZipping); err != nil {
			return fmt.Errorf("failed to mark record zipping: %w", err)
		}
		if err := e.zipper.Zip(pk); err != nil {
			// The clear file still uploads fine; compression is best effort.
			e.logger.Warn("compression failed, uploading clear file", "path", path, "error", err)
		} else {
			u.FileSizeZipped = pk.ZippedSize()
			if err := e.store.Save(u); err != nil {
				return fmt.Errorf("failed to record zipped size: %w", err)
			}
		}
	}

	if err := e.preparator.Prepare(ctx, pk, e.identity, u); err != nil {
		return fmt.Errorf("preparation failed: %w", err)
	}
	if err := e.uploader.Upload(ctx, pk, e.identity, u); err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	return nil
}

// collectFileInfo copies what classification learned about the file into
// the record. Failures here are logged only, the pipeline carries on with
// whatever was persisted before.
func (e *Engine) collectFileInfo(pk *pack.UploadPack, u *store.Upload) {
	u.FilePathZipped = pk.ZippedPath()
	u.FileDate = pk.Header.Date
	u.FileSize = pk.ClearSize()
	u.FileSizeZipped = pk.ZippedSize()
	u.TargetName = pk.TargetName()
	u.Astronomer = e.identity.Username
	if err := e.store.Save(u); err != nil {
		e.logger.Warn("failed to persist file info", "path", pk.FilePath, "error", err)
	}
}

// shouldSkip applies the terminal skip rules. A skipped file keeps its
// record so the decision is made exactly once.
func (e *Engine) shouldSkip(pk *pack.UploadPack) (bool, store.Substatus) {
	if pk.IsHidden() {
		return true, store.SubstatusSkippedHiddenFile
	}
	if pk.IsEmpty() {
		return true, store.SubstatusSkippedEmptyFile
	}
	if !pk.HasDate() {
		return true, store.SubstatusSkippedNoDate
	}
	if pk.DatasetName == "" {
		return true, store.SubstatusSkippedNoDataset
	}
	return false, ""
}

func isHiddenName(name string) bool {
	return strings.HasPrefix(name, ".")
}
