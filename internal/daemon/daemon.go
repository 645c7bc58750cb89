// Package daemon runs the watch loop: the single serialized owner of the
// schedule that reacts to filesystem changes and timer firings, publishes
// due posts, and settles them.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/postwatch/internal/archive"
	"github.com/msageha/postwatch/internal/audit"
	"github.com/msageha/postwatch/internal/control"
	"github.com/msageha/postwatch/internal/lock"
	"github.com/msageha/postwatch/internal/model"
	"github.com/msageha/postwatch/internal/publish"
	"github.com/msageha/postwatch/internal/scanner"
	"github.com/msageha/postwatch/internal/store"
)

// State is the watch loop's current mode.
type State string

const (
	// StateIdle means no posts are pending and no timer is armed.
	StateIdle State = "idle"
	// StateArmed means the timer is set to the earliest due post.
	StateArmed State = "armed"
	// StateProcessing means a due post's publish+settle cycle is running.
	StateProcessing State = "processing"
)

// persistFailureEscalation is how many consecutive snapshot write failures
// are tolerated before the operator warning is escalated.
const persistFailureEscalation = 3

// Daemon wires the scanner, store, publisher, and archiver into one
// event-driven loop. All schedule mutations happen on that loop.
type Daemon struct {
	paths  model.Paths
	cfg    model.Config
	logger *slog.Logger

	fileLock *lock.FileLock
	watcher  *fsnotify.Watcher
	gate     *Gate
	timer    *Timer

	scanner   *scanner.Scanner
	store     *store.Store
	publisher publish.Publisher
	archiver  *archive.Archiver
	auditLog  *audit.Logger
	ctl       *control.Server

	// scanRequests carries control-socket rescan requests onto the loop.
	scanRequests chan struct{}

	stateMu         sync.Mutex
	state           State
	startedAt       time.Time
	persistFailures int

	cancel   context.CancelFunc
	shutdown sync.Once

	// now is replaceable for tests.
	now func() time.Time
}

// New builds a daemon for the given data directory. The queue root must
// already exist; a missing one is a fatal startup error.
func New(dataDir string, cfg model.Config, pub publish.Publisher, logger *slog.Logger) (*Daemon, error) {
	paths := model.DataPaths(dataDir)

	if info, err := os.Stat(paths.Queue); err != nil {
		return nil, fmt.Errorf("queue root %s missing (run postwatch init): %w", paths.Queue, err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("queue root %s is not a directory", paths.Queue)
	}

	sc, err := scanner.New(paths.Queue, cfg)
	if err != nil {
		return nil, err
	}

	auditLog, err := audit.NewLogger(paths.AuditLog)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(paths.LockFile), 0755); err != nil {
		auditLog.Close()
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	// Hand-built configs may not have gone through LoadConfig's defaults.
	retime := true
	if cfg.Rescan.RetimeOnChange != nil {
		retime = *cfg.Rescan.RetimeOnChange
	}

	return &Daemon{
		paths:     paths,
		cfg:       cfg,
		logger:    logger,
		fileLock:  lock.NewFileLock(paths.LockFile),
		gate:      NewGate(time.Duration(cfg.Watcher.DebounceSec * float64(time.Second))),
		timer:     NewTimer(),
		scanner:   sc,
		store:     store.New(paths.Snapshot, dataDir, retime),
		publisher: pub,
		archiver:  archive.New(paths.Sent, paths.Failed, auditLog),
		auditLog:  auditLog,

		scanRequests: make(chan struct{}, 1),
		state:        StateIdle,
		now:          time.Now,
	}, nil
}

// Run starts the daemon and blocks until ctx is canceled and the final
// snapshot has been persisted.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("watcher lock: %w", err)
	}
	defer d.fileLock.Unlock()
	defer d.auditLog.Close()

	d.logger.Info("watcher starting", "pid", os.Getpid(), "queue", d.paths.Queue)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	defer watcher.Close()

	if err := d.addWatches(); err != nil {
		return fmt.Errorf("watch queue tree: %w", err)
	}

	// Seed from the last snapshot so posts already due from a previous run
	// fire promptly instead of being lost to the first debounce window.
	quarantined, err := d.store.Restore()
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	if quarantined != "" {
		d.logger.Warn("corrupt snapshot quarantined", "path", quarantined)
	}

	if err := d.rescan(); err != nil {
		return err
	}
	// An unwritable snapshot path is fatal at startup, not a soft failure.
	if err := d.store.Persist(); err != nil {
		return fmt.Errorf("initial persist: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	d.stateMu.Lock()
	d.startedAt = d.now()
	d.stateMu.Unlock()

	d.ctl = control.NewServer(d.paths.Socket, d.logger)
	d.registerControlHandlers()
	if err := d.ctl.Start(); err != nil {
		return fmt.Errorf("control socket: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.pumpEvents(ctx) })
	g.Go(func() error { return d.loop(ctx) })

	d.logger.Info("watcher ready", "posts", d.store.Len())
	err = g.Wait()

	d.stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stop requests a graceful shutdown. Safe to call from any goroutine.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// stop persists the final snapshot and quiesces the timers (idempotent).
func (d *Daemon) stop() {
	d.shutdown.Do(func() {
		if d.ctl != nil {
			d.ctl.Stop()
		}
		d.gate.Stop()
		d.timer.Disarm()
		if err := d.store.Persist(); err != nil {
			d.logger.Error("final persist failed, snapshot is stale", "error", err)
		}
		d.logger.Info("watcher stopped", "posts", d.store.Len())
	})
}

// pumpEvents forwards relevant filesystem events into the debounce gate.
// Content is never trusted from events; they only trigger rescans.
func (d *Daemon) pumpEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if !d.relevant(event) {
				continue
			}
			d.logger.Debug("fs event", "op", event.Op.String(), "file", event.Name)
			if event.Has(fsnotify.Create) {
				// New directories must be watched before their contents
				// produce events.
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := d.watcher.Add(event.Name); err != nil {
						d.logger.Warn("watch new dir", "dir", event.Name, "error", err)
					}
				}
			}
			d.gate.Notify()
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("fsnotify error", "error", err)
		}
	}
}

// relevant filters out events that cannot change the schedule.
func (d *Daemon) relevant(event fsnotify.Event) bool {
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	if base == scanner.DescriptorName || model.MediaType(base) != "" {
		return true
	}
	// Folder creates, renames and deletes reshape the queue tree.
	if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		return !strings.Contains(base, ".")
	}
	return false
}

// loop is the single decision-maker: every schedule mutation and timer
// rearm happens here, so a debounced rescan and a due-post firing can never
// run against the store concurrently.
func (d *Daemon) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.gate.C():
			d.logger.Info("queue changed, rescanning")
			if err := d.rescan(); err != nil {
				d.logger.Error("rescan failed", "error", err)
			}
			d.persist()
		case <-d.scanRequests:
			d.logger.Info("rescan requested over control socket")
			if err := d.rescan(); err != nil {
				d.logger.Error("rescan failed", "error", err)
			}
			d.persist()
		case <-d.timer.C():
			d.timer.Fired()
			d.processDue(ctx)
		}
	}
}

// rescan re-derives the schedule from disk, merges it, and rearms.
func (d *Daemon) rescan() error {
	posts, issues, err := d.scanner.Scan()
	if err != nil {
		return err
	}
	for _, issue := range issues {
		d.logger.Warn("malformed post skipped", "post", issue.Path, "errors", strings.Join(issue.Errors, "; "))
	}

	d.store.Merge(posts)
	if err := d.addWatches(); err != nil {
		d.logger.Warn("refresh watches", "error", err)
	}
	d.rearm()
	return nil
}

// rearm points the timer at the earliest pending post, or disarms.
func (d *Daemon) rearm() {
	at, ok := d.store.Earliest()
	if !ok {
		d.timer.Disarm()
		d.setState(StateIdle)
		d.logger.Info("no upcoming posts")
		return
	}
	d.timer.Arm(at)
	d.setState(StateArmed)
	d.logger.Info("next post armed", "at", at, "in", time.Until(at).Round(time.Second).String())
}

// processDue publishes and settles every due post, one at a time in
// deterministic order, then rearms.
func (d *Daemon) processDue(ctx context.Context) {
	due := d.store.Due(d.now())
	for _, post := range due {
		if ctx.Err() != nil {
			break
		}
		d.setState(StateProcessing)
		d.process(ctx, post)
		d.persist()
	}
	d.rearm()
}

// process runs one at-most-once publish attempt and settles the outcome.
func (d *Daemon) process(ctx context.Context, post *model.Post) {
	d.logger.Info("publishing", "post", post.ID, "scheduled_at", post.ScheduledAt)

	pubCtx, cancel := context.WithTimeout(ctx, d.cfg.Publish.Timeout())
	ref, pubErr := d.publisher.Publish(pubCtx, post)
	cancel()

	outcome := archive.OutcomeSent
	detail := ""
	if pubErr != nil {
		outcome = archive.OutcomeFailed
		detail = pubErr.Error()
		d.logger.Warn("publish failed", "post", post.ID, "error", pubErr)
	}

	dest, err := d.archiver.Settle(post, outcome, ref, detail)
	if err != nil {
		var moved *archive.MovedError
		if errors.As(err, &moved) {
			// The folder already left the queue, so the move cannot be
			// retried and the post must not linger in the schedule.
			d.logger.Error("settled but bookkeeping incomplete", "post", post.ID, "dest", moved.Dest, "error", err)
			d.store.Remove(post.ID)
			return
		}
		// Loud per-item failure: the post stays in the schedule, excluded
		// from due selection until the next rescan retries settlement.
		d.logger.Error("settlement failed", "post", post.ID, "error", err)
		d.store.DeferSettle(post.ID)
		return
	}

	d.store.Remove(post.ID)
	d.logger.Info("settled", "post", post.ID, "outcome", string(outcome), "dest", dest)
}

// persist writes the snapshot, tracking consecutive failures. The process
// keeps running on in-memory state but is restart-unsafe until a write
// succeeds.
func (d *Daemon) persist() {
	if err := d.store.Persist(); err != nil {
		d.persistFailures++
		if d.persistFailures >= persistFailureEscalation {
			d.logger.Error("snapshot writes keep failing, state will not survive a restart",
				"consecutive_failures", d.persistFailures, "error", err)
		} else {
			d.logger.Warn("snapshot write failed", "error", err)
		}
		return
	}
	d.persistFailures = 0
}

// addWatches registers every directory in the queue tree with fsnotify,
// which is not recursive on its own.
func (d *Daemon) addWatches() error {
	return filepath.WalkDir(d.paths.Queue, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if path != d.paths.Queue && strings.HasPrefix(filepath.Base(path), ".") {
			return filepath.SkipDir
		}
		return d.watcher.Add(path)
	})
}

// StoreSnapshot exposes the active schedule in firing order (status output
// and tests).
func (d *Daemon) StoreSnapshot() []*model.Post {
	return d.store.Posts()
}

// CurrentState reports the loop's state.
func (d *Daemon) CurrentState() State {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

func (d *Daemon) setState(s State) {
	d.stateMu.Lock()
	d.state = s
	d.stateMu.Unlock()
}

// StatusInfo is the status payload served over the control socket.
type StatusInfo struct {
	State     State      `json:"state"`
	PID       int        `json:"pid"`
	StartedAt time.Time  `json:"started_at"`
	Queue     string     `json:"queue"`
	Pending   int        `json:"pending"`
	NextAt    *time.Time `json:"next_at,omitempty"`
}

// registerControlHandlers exposes the watcher over the control socket.
// Handlers run on connection goroutines, so they only touch the store
// (which has its own lock) and the guarded state; schedule mutations are
// forwarded to the loop instead of performed in place.
func (d *Daemon) registerControlHandlers() {
	d.ctl.Handle("ping", func(ctx context.Context, params json.RawMessage) *control.Response {
		return control.SuccessResponse(map[string]any{"status": "ok", "pid": os.Getpid()})
	})

	d.ctl.Handle("status", func(ctx context.Context, params json.RawMessage) *control.Response {
		d.stateMu.Lock()
		info := StatusInfo{
			State:     d.state,
			PID:       os.Getpid(),
			StartedAt: d.startedAt,
			Queue:     d.paths.Queue,
		}
		d.stateMu.Unlock()
		info.Pending = d.store.Len()
		if at, ok := d.store.Earliest(); ok {
			info.NextAt = &at
		}
		return control.SuccessResponse(info)
	})

	d.ctl.Handle("scan", func(ctx context.Context, params json.RawMessage) *control.Response {
		select {
		case d.scanRequests <- struct{}{}:
		default:
			// A rescan is already queued.
		}
		return control.SuccessResponse(map[string]string{"status": "queued"})
	})

	d.ctl.Handle("shutdown", func(ctx context.Context, params json.RawMessage) *control.Response {
		d.logger.Info("shutdown requested over control socket")
		go d.Stop()
		return control.SuccessResponse(map[string]string{"status": "stopping"})
	})
}
